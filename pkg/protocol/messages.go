package protocol

import "google.golang.org/protobuf/encoding/protowire"

// ChatMessage is one turn of a conversation as sent by a client.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	Media      []Media
}

// Media is an attachment on a chat message. Data holds inline bytes; URL
// refers to remote content.
type Media struct {
	MimeType string
	Data     []byte
	URL      string
}

// SecretEntry describes one vault credential without its value.
type SecretEntry struct {
	Name        string
	Label       string
	Kind        string
	Policy      string
	Skills      []string
	Description string
	Disabled    bool
}

// PeekField is one label/value pair of a credential shown to the user.
type PeekField struct {
	Label string
	Value string
}

// Prompt kinds for UserPromptRequest.
const (
	PromptText        = "text"
	PromptConfirm     = "confirm"
	PromptSelect      = "select"
	PromptMultiSelect = "multi_select"
	PromptForm        = "form"
)

// Prompt describes the input a tool wants from the user.
type Prompt struct {
	Title       string
	Description string
	Kind        string
	Options     []string
	Fields      []PromptField
	Default     string
}

// PromptField is one input of a form prompt.
type PromptField struct {
	Name     string
	Label    string
	Kind     string
	Required bool
	Default  string
	Options  []string
}

func (m *ChatMessage) encode(e *encoder) {
	e.str(1, m.Role)
	e.str(2, m.Content)
	e.str(3, m.ToolCallID)
	for i := range m.Media {
		e.message(4, m.Media[i].encode)
	}
}

func (m *ChatMessage) decode(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.Role = f.str()
		case 2:
			m.Content = f.str()
		case 3:
			m.ToolCallID = f.str()
		case 4:
			var media Media
			if err := media.decode(f.bytes); err != nil {
				return err
			}
			m.Media = append(m.Media, media)
		}
		return nil
	})
}

func (m *Media) encode(e *encoder) {
	e.str(1, m.MimeType)
	e.raw(2, m.Data)
	e.str(3, m.URL)
}

func (m *Media) decode(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.MimeType = f.str()
		case 2:
			m.Data = f.raw()
		case 3:
			m.URL = f.str()
		}
		return nil
	})
}

func (s *SecretEntry) encode(e *encoder) {
	e.str(1, s.Name)
	e.str(2, s.Label)
	e.str(3, s.Kind)
	e.str(4, s.Policy)
	e.strs(5, s.Skills)
	e.str(6, s.Description)
	e.boolean(7, s.Disabled)
}

func (s *SecretEntry) decode(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			s.Name = f.str()
		case 2:
			s.Label = f.str()
		case 3:
			s.Kind = f.str()
		case 4:
			s.Policy = f.str()
		case 5:
			s.Skills = append(s.Skills, f.str())
		case 6:
			s.Description = f.str()
		case 7:
			s.Disabled = f.boolean()
		}
		return nil
	})
}

func (p *PeekField) encode(e *encoder) {
	e.str(1, p.Label)
	e.str(2, p.Value)
}

func (p *PeekField) decode(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			p.Label = f.str()
		case 2:
			p.Value = f.str()
		}
		return nil
	})
}

func (p *Prompt) encode(e *encoder) {
	e.str(1, p.Title)
	e.str(2, p.Description)
	e.str(3, p.Kind)
	e.strs(4, p.Options)
	for i := range p.Fields {
		e.message(5, p.Fields[i].encode)
	}
	e.str(6, p.Default)
}

func (p *Prompt) decode(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			p.Title = f.str()
		case 2:
			p.Description = f.str()
		case 3:
			p.Kind = f.str()
		case 4:
			p.Options = append(p.Options, f.str())
		case 5:
			var pf PromptField
			if err := pf.decode(f.bytes); err != nil {
				return err
			}
			p.Fields = append(p.Fields, pf)
		case 6:
			p.Default = f.str()
		}
		return nil
	})
}

func (p *PromptField) encode(e *encoder) {
	e.str(1, p.Name)
	e.str(2, p.Label)
	e.str(3, p.Kind)
	e.boolean(4, p.Required)
	e.str(5, p.Default)
	e.strs(6, p.Options)
}

func (p *PromptField) decode(b []byte) error {
	return decodeFields(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			p.Name = f.str()
		case 2:
			p.Label = f.str()
		case 3:
			p.Kind = f.str()
		case 4:
			p.Required = f.boolean()
		case 5:
			p.Default = f.str()
		case 6:
			p.Options = append(p.Options, f.str())
		}
		return nil
	})
}
