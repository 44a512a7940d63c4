package protocol

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protowire"
)

// AuthChallenge asks the client to authenticate. Method is "totp".
type AuthChallenge struct {
	Method string
}

type AuthResult struct {
	OK      bool
	Message string
	Retry   bool
}

// AuthLocked reports that the client address is locked out. RetryAfter is
// in seconds.
type AuthLocked struct {
	Message    string
	RetryAfter uint64
}

// Hello is the first frame after authentication.
type Hello struct {
	Agent       string
	SettingsDir string
	VaultLocked bool
	Provider    string
	Model       string
}

type Status struct {
	Status StatusType
	Detail string
}

type VaultUnlocked struct {
	OK      bool
	Message string
}

type SecretsListResult struct {
	OK      bool
	Entries []SecretEntry
	Message string
}

type SecretsStoreResult struct {
	OK      bool
	Message string
}

type SecretsGetResult struct {
	OK      bool
	Key     string
	Value   string
	Message string
}

type SecretsDeleteResult struct {
	OK      bool
	Message string
}

type SecretsPeekResult struct {
	OK      bool
	Fields  []PeekField
	Message string
}

type SecretsSetPolicyResult struct {
	OK      bool
	Message string
}

type SecretsSetDisabledResult struct {
	OK      bool
	Message string
}

type SecretsDeleteCredentialResult struct {
	OK      bool
	Message string
}

type SecretsHasTotpResult struct {
	HasTotp bool
}

// SecretsSetupTotpResult carries the otpauth:// URI of a fresh TOTP secret.
type SecretsSetupTotpResult struct {
	OK      bool
	URI     string
	Message string
}

type SecretsVerifyTotpResult struct {
	OK      bool
	Message string
}

type SecretsRemoveTotpResult struct {
	OK      bool
	Message string
}

type ReloadResult struct {
	OK       bool
	Provider string
	Model    string
	Message  string
}

// ErrorFrame reports a request-level failure.
type ErrorFrame struct {
	Message string
}

// Info is a non-fatal notice shown to the user.
type Info struct {
	Message string
}

type StreamStart struct{ noPayload }

type Chunk struct {
	Delta string
}

type ThinkingStart struct{ noPayload }

type ThinkingDelta struct {
	Delta string
}

type ThinkingEnd struct{ noPayload }

// ToolCall announces a tool invocation. Arguments is a JSON object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type ToolResult struct {
	ID      string
	Name    string
	Result  string
	IsError bool
}

type ToolApprovalRequest struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type UserPromptRequest struct {
	ID     string
	Prompt Prompt
}

// ResponseDone ends a Chat request.
type ResponseDone struct {
	OK bool
}

func (*AuthChallenge) ServerType() ServerFrameType                 { return ServerAuthChallenge }
func (*AuthResult) ServerType() ServerFrameType                    { return ServerAuthResult }
func (*AuthLocked) ServerType() ServerFrameType                    { return ServerAuthLocked }
func (*Hello) ServerType() ServerFrameType                         { return ServerHello }
func (*Status) ServerType() ServerFrameType                        { return ServerStatus }
func (*VaultUnlocked) ServerType() ServerFrameType                 { return ServerVaultUnlocked }
func (*SecretsListResult) ServerType() ServerFrameType             { return ServerSecretsListResult }
func (*SecretsStoreResult) ServerType() ServerFrameType            { return ServerSecretsStoreResult }
func (*SecretsGetResult) ServerType() ServerFrameType              { return ServerSecretsGetResult }
func (*SecretsDeleteResult) ServerType() ServerFrameType           { return ServerSecretsDeleteResult }
func (*SecretsPeekResult) ServerType() ServerFrameType             { return ServerSecretsPeekResult }
func (*SecretsSetPolicyResult) ServerType() ServerFrameType        { return ServerSecretsSetPolicyResult }
func (*SecretsSetDisabledResult) ServerType() ServerFrameType      { return ServerSecretsSetDisabledResult }
func (*SecretsDeleteCredentialResult) ServerType() ServerFrameType { return ServerSecretsDeleteCredentialResult }
func (*SecretsHasTotpResult) ServerType() ServerFrameType          { return ServerSecretsHasTotpResult }
func (*SecretsSetupTotpResult) ServerType() ServerFrameType        { return ServerSecretsSetupTotpResult }
func (*SecretsVerifyTotpResult) ServerType() ServerFrameType       { return ServerSecretsVerifyTotpResult }
func (*SecretsRemoveTotpResult) ServerType() ServerFrameType       { return ServerSecretsRemoveTotpResult }
func (*ReloadResult) ServerType() ServerFrameType                  { return ServerReloadResult }
func (*ErrorFrame) ServerType() ServerFrameType                    { return ServerError }
func (*Info) ServerType() ServerFrameType                          { return ServerInfo }
func (*StreamStart) ServerType() ServerFrameType                   { return ServerStreamStart }
func (*Chunk) ServerType() ServerFrameType                         { return ServerChunk }
func (*ThinkingStart) ServerType() ServerFrameType                 { return ServerThinkingStart }
func (*ThinkingDelta) ServerType() ServerFrameType                 { return ServerThinkingDelta }
func (*ThinkingEnd) ServerType() ServerFrameType                   { return ServerThinkingEnd }
func (*ToolCall) ServerType() ServerFrameType                      { return ServerToolCall }
func (*ToolResult) ServerType() ServerFrameType                    { return ServerToolResult }
func (*ToolApprovalRequest) ServerType() ServerFrameType           { return ServerToolApprovalRequest }
func (*UserPromptRequest) ServerType() ServerFrameType             { return ServerUserPromptRequest }
func (*ResponseDone) ServerType() ServerFrameType                  { return ServerResponseDone }

func newServerFrame(t ServerFrameType) ServerFrame {
	switch t {
	case ServerAuthChallenge:
		return &AuthChallenge{}
	case ServerAuthResult:
		return &AuthResult{}
	case ServerAuthLocked:
		return &AuthLocked{}
	case ServerHello:
		return &Hello{}
	case ServerStatus:
		return &Status{}
	case ServerVaultUnlocked:
		return &VaultUnlocked{}
	case ServerSecretsListResult:
		return &SecretsListResult{}
	case ServerSecretsStoreResult:
		return &SecretsStoreResult{}
	case ServerSecretsGetResult:
		return &SecretsGetResult{}
	case ServerSecretsDeleteResult:
		return &SecretsDeleteResult{}
	case ServerSecretsPeekResult:
		return &SecretsPeekResult{}
	case ServerSecretsSetPolicyResult:
		return &SecretsSetPolicyResult{}
	case ServerSecretsSetDisabledResult:
		return &SecretsSetDisabledResult{}
	case ServerSecretsDeleteCredentialResult:
		return &SecretsDeleteCredentialResult{}
	case ServerSecretsHasTotpResult:
		return &SecretsHasTotpResult{}
	case ServerSecretsSetupTotpResult:
		return &SecretsSetupTotpResult{}
	case ServerSecretsVerifyTotpResult:
		return &SecretsVerifyTotpResult{}
	case ServerSecretsRemoveTotpResult:
		return &SecretsRemoveTotpResult{}
	case ServerReloadResult:
		return &ReloadResult{}
	case ServerError:
		return &ErrorFrame{}
	case ServerInfo:
		return &Info{}
	case ServerStreamStart:
		return &StreamStart{}
	case ServerChunk:
		return &Chunk{}
	case ServerThinkingStart:
		return &ThinkingStart{}
	case ServerThinkingDelta:
		return &ThinkingDelta{}
	case ServerThinkingEnd:
		return &ThinkingEnd{}
	case ServerToolCall:
		return &ToolCall{}
	case ServerToolResult:
		return &ToolResult{}
	case ServerToolApprovalRequest:
		return &ToolApprovalRequest{}
	case ServerUserPromptRequest:
		return &UserPromptRequest{}
	case ServerResponseDone:
		return &ResponseDone{}
	}
	return nil
}

// outcome is the ok/message pair shared by most result frames.
type outcome struct {
	OK      *bool
	Message *string
}

func (o outcome) encode(e *encoder) {
	e.boolean(1, *o.OK)
	e.str(2, *o.Message)
}

func (o outcome) decodeField(num protowire.Number, f field) error {
	switch num {
	case 1:
		*o.OK = f.boolean()
	case 2:
		*o.Message = f.str()
	}
	return nil
}

func (f *AuthChallenge) encode(e *encoder) { e.str(1, f.Method) }

func (f *AuthChallenge) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Method = fv.str()
	}
	return nil
}

func (f *AuthResult) encode(e *encoder) {
	e.boolean(1, f.OK)
	e.str(2, f.Message)
	e.boolean(3, f.Retry)
}

func (f *AuthResult) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.OK = fv.boolean()
	case 2:
		f.Message = fv.str()
	case 3:
		f.Retry = fv.boolean()
	}
	return nil
}

func (f *AuthLocked) encode(e *encoder) {
	e.str(1, f.Message)
	e.uint(2, f.RetryAfter)
}

func (f *AuthLocked) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.Message = fv.str()
	case 2:
		f.RetryAfter = fv.varint
	}
	return nil
}

func (f *Hello) encode(e *encoder) {
	e.str(1, f.Agent)
	e.str(2, f.SettingsDir)
	e.boolean(3, f.VaultLocked)
	e.str(4, f.Provider)
	e.str(5, f.Model)
}

func (f *Hello) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.Agent = fv.str()
	case 2:
		f.SettingsDir = fv.str()
	case 3:
		f.VaultLocked = fv.boolean()
	case 4:
		f.Provider = fv.str()
	case 5:
		f.Model = fv.str()
	}
	return nil
}

func (f *Status) encode(e *encoder) {
	e.uint(1, uint64(f.Status))
	e.str(2, f.Detail)
}

func (f *Status) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.Status = StatusType(fv.varint)
	case 2:
		f.Detail = fv.str()
	}
	return nil
}

func (f *VaultUnlocked) encode(e *encoder) { outcome{&f.OK, &f.Message}.encode(e) }
func (f *VaultUnlocked) decodeField(num protowire.Number, fv field) error {
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsListResult) encode(e *encoder) {
	outcome{&f.OK, &f.Message}.encode(e)
	for i := range f.Entries {
		e.message(3, f.Entries[i].encode)
	}
}

func (f *SecretsListResult) decodeField(num protowire.Number, fv field) error {
	if num == 3 {
		var entry SecretEntry
		if err := entry.decode(fv.bytes); err != nil {
			return err
		}
		f.Entries = append(f.Entries, entry)
		return nil
	}
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsStoreResult) encode(e *encoder) { outcome{&f.OK, &f.Message}.encode(e) }
func (f *SecretsStoreResult) decodeField(num protowire.Number, fv field) error {
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsGetResult) encode(e *encoder) {
	outcome{&f.OK, &f.Message}.encode(e)
	e.str(3, f.Key)
	e.str(4, f.Value)
}

func (f *SecretsGetResult) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 3:
		f.Key = fv.str()
	case 4:
		f.Value = fv.str()
	default:
		return outcome{&f.OK, &f.Message}.decodeField(num, fv)
	}
	return nil
}

func (f *SecretsDeleteResult) encode(e *encoder) { outcome{&f.OK, &f.Message}.encode(e) }
func (f *SecretsDeleteResult) decodeField(num protowire.Number, fv field) error {
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsPeekResult) encode(e *encoder) {
	outcome{&f.OK, &f.Message}.encode(e)
	for i := range f.Fields {
		e.message(3, f.Fields[i].encode)
	}
}

func (f *SecretsPeekResult) decodeField(num protowire.Number, fv field) error {
	if num == 3 {
		var pf PeekField
		if err := pf.decode(fv.bytes); err != nil {
			return err
		}
		f.Fields = append(f.Fields, pf)
		return nil
	}
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsSetPolicyResult) encode(e *encoder) { outcome{&f.OK, &f.Message}.encode(e) }
func (f *SecretsSetPolicyResult) decodeField(num protowire.Number, fv field) error {
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsSetDisabledResult) encode(e *encoder) { outcome{&f.OK, &f.Message}.encode(e) }
func (f *SecretsSetDisabledResult) decodeField(num protowire.Number, fv field) error {
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsDeleteCredentialResult) encode(e *encoder) { outcome{&f.OK, &f.Message}.encode(e) }
func (f *SecretsDeleteCredentialResult) decodeField(num protowire.Number, fv field) error {
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsHasTotpResult) encode(e *encoder) { e.boolean(1, f.HasTotp) }

func (f *SecretsHasTotpResult) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.HasTotp = fv.boolean()
	}
	return nil
}

func (f *SecretsSetupTotpResult) encode(e *encoder) {
	outcome{&f.OK, &f.Message}.encode(e)
	e.str(3, f.URI)
}

func (f *SecretsSetupTotpResult) decodeField(num protowire.Number, fv field) error {
	if num == 3 {
		f.URI = fv.str()
		return nil
	}
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsVerifyTotpResult) encode(e *encoder) { outcome{&f.OK, &f.Message}.encode(e) }
func (f *SecretsVerifyTotpResult) decodeField(num protowire.Number, fv field) error {
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *SecretsRemoveTotpResult) encode(e *encoder) { outcome{&f.OK, &f.Message}.encode(e) }
func (f *SecretsRemoveTotpResult) decodeField(num protowire.Number, fv field) error {
	return outcome{&f.OK, &f.Message}.decodeField(num, fv)
}

func (f *ReloadResult) encode(e *encoder) {
	outcome{&f.OK, &f.Message}.encode(e)
	e.str(3, f.Provider)
	e.str(4, f.Model)
}

func (f *ReloadResult) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 3:
		f.Provider = fv.str()
	case 4:
		f.Model = fv.str()
	default:
		return outcome{&f.OK, &f.Message}.decodeField(num, fv)
	}
	return nil
}

func (f *ErrorFrame) encode(e *encoder) { e.str(1, f.Message) }

func (f *ErrorFrame) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Message = fv.str()
	}
	return nil
}

func (f *Info) encode(e *encoder) { e.str(1, f.Message) }

func (f *Info) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Message = fv.str()
	}
	return nil
}

func (f *Chunk) encode(e *encoder) { e.str(1, f.Delta) }

func (f *Chunk) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Delta = fv.str()
	}
	return nil
}

func (f *ThinkingDelta) encode(e *encoder) { e.str(1, f.Delta) }

func (f *ThinkingDelta) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.Delta = fv.str()
	}
	return nil
}

func (f *ToolCall) encode(e *encoder) {
	e.str(1, f.ID)
	e.str(2, f.Name)
	e.raw(3, f.Arguments)
}

func (f *ToolCall) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.ID = fv.str()
	case 2:
		f.Name = fv.str()
	case 3:
		f.Arguments = fv.raw()
	}
	return nil
}

func (f *ToolResult) encode(e *encoder) {
	e.str(1, f.ID)
	e.str(2, f.Name)
	e.str(3, f.Result)
	e.boolean(4, f.IsError)
}

func (f *ToolResult) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.ID = fv.str()
	case 2:
		f.Name = fv.str()
	case 3:
		f.Result = fv.str()
	case 4:
		f.IsError = fv.boolean()
	}
	return nil
}

func (f *ToolApprovalRequest) encode(e *encoder) {
	e.str(1, f.ID)
	e.str(2, f.Name)
	e.raw(3, f.Arguments)
}

func (f *ToolApprovalRequest) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.ID = fv.str()
	case 2:
		f.Name = fv.str()
	case 3:
		f.Arguments = fv.raw()
	}
	return nil
}

func (f *UserPromptRequest) encode(e *encoder) {
	e.str(1, f.ID)
	e.message(2, f.Prompt.encode)
}

func (f *UserPromptRequest) decodeField(num protowire.Number, fv field) error {
	switch num {
	case 1:
		f.ID = fv.str()
	case 2:
		f.Prompt = Prompt{}
		return f.Prompt.decode(fv.bytes)
	}
	return nil
}

func (f *ResponseDone) encode(e *encoder) { e.boolean(1, f.OK) }

func (f *ResponseDone) decodeField(num protowire.Number, fv field) error {
	if num == 1 {
		f.OK = fv.boolean()
	}
	return nil
}
