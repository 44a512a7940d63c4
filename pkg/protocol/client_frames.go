package protocol

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protowire"
)

// AuthResponse answers an AuthChallenge with a TOTP code.
type AuthResponse struct {
	Code string
}

// UnlockVault supplies the vault password.
type UnlockVault struct {
	Password string
}

type SecretsList struct{ noPayload }

type SecretsGet struct {
	Key string
}

type SecretsStore struct {
	Key   string
	Value string
}

type SecretsDelete struct {
	Key string
}

// SecretsPeek asks for the display fields of a credential.
type SecretsPeek struct {
	Name string
}

// SecretsSetPolicy changes a credential's access policy. Policy is one of
// always, ask, auth or skill_only; Skills applies to skill_only.
type SecretsSetPolicy struct {
	Name   string
	Policy string
	Skills []string
}

type SecretsSetDisabled struct {
	Name     string
	Disabled bool
}

type SecretsDeleteCredential struct {
	Name string
}

type SecretsHasTotp struct{ noPayload }

type SecretsSetupTotp struct{ noPayload }

type SecretsVerifyTotp struct {
	Code string
}

type SecretsRemoveTotp struct{ noPayload }

// Reload asks the gateway to re-read its configuration.
type Reload struct{ noPayload }

// Cancel stops the tool loop running on this connection.
type Cancel struct{ noPayload }

// Chat starts a request. Empty Model, Provider, BaseURL and APIKey fall
// back to the gateway's configured model.
type Chat struct {
	Messages []ChatMessage
	Model    string
	Provider string
	BaseURL  string
	APIKey   string
}

// ToolApprovalResponse answers a ToolApprovalRequest.
type ToolApprovalResponse struct {
	ID       string
	Approved bool
}

// UserPromptResponse answers a UserPromptRequest. Value is the JSON-encoded
// answer and is empty when Dismissed is set.
type UserPromptResponse struct {
	ID        string
	Dismissed bool
	Value     json.RawMessage
}

func (*AuthResponse) ClientType() ClientFrameType            { return ClientAuthResponse }
func (*UnlockVault) ClientType() ClientFrameType             { return ClientUnlockVault }
func (*SecretsList) ClientType() ClientFrameType             { return ClientSecretsList }
func (*SecretsGet) ClientType() ClientFrameType              { return ClientSecretsGet }
func (*SecretsStore) ClientType() ClientFrameType            { return ClientSecretsStore }
func (*SecretsDelete) ClientType() ClientFrameType           { return ClientSecretsDelete }
func (*SecretsPeek) ClientType() ClientFrameType             { return ClientSecretsPeek }
func (*SecretsSetPolicy) ClientType() ClientFrameType        { return ClientSecretsSetPolicy }
func (*SecretsSetDisabled) ClientType() ClientFrameType      { return ClientSecretsSetDisabled }
func (*SecretsDeleteCredential) ClientType() ClientFrameType { return ClientSecretsDeleteCredential }
func (*SecretsHasTotp) ClientType() ClientFrameType          { return ClientSecretsHasTotp }
func (*SecretsSetupTotp) ClientType() ClientFrameType        { return ClientSecretsSetupTotp }
func (*SecretsVerifyTotp) ClientType() ClientFrameType       { return ClientSecretsVerifyTotp }
func (*SecretsRemoveTotp) ClientType() ClientFrameType       { return ClientSecretsRemoveTotp }
func (*Reload) ClientType() ClientFrameType                  { return ClientReload }
func (*Cancel) ClientType() ClientFrameType                  { return ClientCancel }
func (*Chat) ClientType() ClientFrameType                    { return ClientChat }
func (*ToolApprovalResponse) ClientType() ClientFrameType    { return ClientToolApprovalResponse }
func (*UserPromptResponse) ClientType() ClientFrameType      { return ClientUserPromptResponse }

// newClientFrame returns an empty frame for tag t, or nil if t is unknown.
func newClientFrame(t ClientFrameType) ClientFrame {
	switch t {
	case ClientAuthResponse:
		return &AuthResponse{}
	case ClientUnlockVault:
		return &UnlockVault{}
	case ClientSecretsList:
		return &SecretsList{}
	case ClientSecretsGet:
		return &SecretsGet{}
	case ClientSecretsStore:
		return &SecretsStore{}
	case ClientSecretsDelete:
		return &SecretsDelete{}
	case ClientSecretsPeek:
		return &SecretsPeek{}
	case ClientSecretsSetPolicy:
		return &SecretsSetPolicy{}
	case ClientSecretsSetDisabled:
		return &SecretsSetDisabled{}
	case ClientSecretsDeleteCredential:
		return &SecretsDeleteCredential{}
	case ClientSecretsHasTotp:
		return &SecretsHasTotp{}
	case ClientSecretsSetupTotp:
		return &SecretsSetupTotp{}
	case ClientSecretsVerifyTotp:
		return &SecretsVerifyTotp{}
	case ClientSecretsRemoveTotp:
		return &SecretsRemoveTotp{}
	case ClientReload:
		return &Reload{}
	case ClientCancel:
		return &Cancel{}
	case ClientChat:
		return &Chat{}
	case ClientToolApprovalResponse:
		return &ToolApprovalResponse{}
	case ClientUserPromptResponse:
		return &UserPromptResponse{}
	}
	return nil
}

func (f *AuthResponse) encode(e *encoder) { e.str(1, f.Code) }

func (f *AuthResponse) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Code = fv.str()
	}
	return nil
}

func (f *UnlockVault) encode(e *encoder) { e.str(1, f.Password) }

func (f *UnlockVault) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Password = fv.str()
	}
	return nil
}

func (f *SecretsGet) encode(e *encoder) { e.str(1, f.Key) }

func (f *SecretsGet) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Key = fv.str()
	}
	return nil
}

func (f *SecretsStore) encode(e *encoder) {
	e.str(1, f.Key)
	e.str(2, f.Value)
}

func (f *SecretsStore) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.Key = fv.str()
	case 2:
		f.Value = fv.str()
	}
	return nil
}

func (f *SecretsDelete) encode(e *encoder) { e.str(1, f.Key) }

func (f *SecretsDelete) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Key = fv.str()
	}
	return nil
}

func (f *SecretsPeek) encode(e *encoder) { e.str(1, f.Name) }

func (f *SecretsPeek) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Name = fv.str()
	}
	return nil
}

func (f *SecretsSetPolicy) encode(e *encoder) {
	e.str(1, f.Name)
	e.str(2, f.Policy)
	e.strs(3, f.Skills)
}

func (f *SecretsSetPolicy) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.Name = fv.str()
	case 2:
		f.Policy = fv.str()
	case 3:
		f.Skills = append(f.Skills, fv.str())
	}
	return nil
}

func (f *SecretsSetDisabled) encode(e *encoder) {
	e.str(1, f.Name)
	e.boolean(2, f.Disabled)
}

func (f *SecretsSetDisabled) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.Name = fv.str()
	case 2:
		f.Disabled = fv.boolean()
	}
	return nil
}

func (f *SecretsDeleteCredential) encode(e *encoder) { e.str(1, f.Name) }

func (f *SecretsDeleteCredential) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Name = fv.str()
	}
	return nil
}

func (f *SecretsVerifyTotp) encode(e *encoder) { e.str(1, f.Code) }

func (f *SecretsVerifyTotp) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Code = fv.str()
	}
	return nil
}

func (f *Chat) encode(e *encoder) {
	for i := range f.Messages {
		e.message(1, f.Messages[i].encode)
	}
	e.str(2, f.Model)
	e.str(3, f.Provider)
	e.str(4, f.BaseURL)
	e.str(5, f.APIKey)
}

func (f *Chat) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		var m ChatMessage
		if err := m.decode(fv.bytes); err != nil {
			return err
		}
		f.Messages = append(f.Messages, m)
	case 2:
		f.Model = fv.str()
	case 3:
		f.Provider = fv.str()
	case 4:
		f.BaseURL = fv.str()
	case 5:
		f.APIKey = fv.str()
	}
	return nil
}

func (f *ToolApprovalResponse) encode(e *encoder) {
	e.str(1, f.ID)
	e.boolean(2, f.Approved)
}

func (f *ToolApprovalResponse) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.ID = fv.str()
	case 2:
		f.Approved = fv.boolean()
	}
	return nil
}

func (f *UserPromptResponse) encode(e *encoder) {
	e.str(1, f.ID)
	e.boolean(2, f.Dismissed)
	e.raw(3, f.Value)
}

func (f *UserPromptResponse) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.ID = fv.str()
	case 2:
		f.Dismissed = fv.boolean()
	case 3:
		f.Value = fv.raw()
	}
	return nil
}
