// Package protocol defines the binary frame protocol spoken between the
// gateway and its clients.
//
// Every websocket binary message carries exactly one frame: a one-byte
// frame tag followed by the payload fields in protobuf wire format.
// Client and server frames are separate closed sets; see ClientFrame and
// ServerFrame.
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ClientFrameType tags frames sent from a client to the gateway.
type ClientFrameType uint8

const (
	ClientAuthResponse ClientFrameType = iota
	ClientUnlockVault
	ClientSecretsList
	ClientSecretsGet
	ClientSecretsStore
	ClientSecretsDelete
	ClientSecretsPeek
	ClientSecretsSetPolicy
	ClientSecretsSetDisabled
	ClientSecretsDeleteCredential
	ClientSecretsHasTotp
	ClientSecretsSetupTotp
	ClientSecretsVerifyTotp
	ClientSecretsRemoveTotp
	ClientReload
	ClientCancel
	ClientChat
	ClientToolApprovalResponse
	ClientUserPromptResponse

	clientFrameTypeCount
)

var clientFrameNames = [clientFrameTypeCount]string{
	"auth_response",
	"unlock_vault",
	"secrets_list",
	"secrets_get",
	"secrets_store",
	"secrets_delete",
	"secrets_peek",
	"secrets_set_policy",
	"secrets_set_disabled",
	"secrets_delete_credential",
	"secrets_has_totp",
	"secrets_setup_totp",
	"secrets_verify_totp",
	"secrets_remove_totp",
	"reload",
	"cancel",
	"chat",
	"tool_approval_response",
	"user_prompt_response",
}

func (t ClientFrameType) String() string {
	if t < clientFrameTypeCount {
		return clientFrameNames[t]
	}
	return fmt.Sprintf("client_frame(%d)", uint8(t))
}

// ServerFrameType tags frames sent from the gateway to a client.
type ServerFrameType uint8

const (
	ServerAuthChallenge ServerFrameType = iota
	ServerAuthResult
	ServerAuthLocked
	ServerHello
	ServerStatus
	ServerVaultUnlocked
	ServerSecretsListResult
	ServerSecretsStoreResult
	ServerSecretsGetResult
	ServerSecretsDeleteResult
	ServerSecretsPeekResult
	ServerSecretsSetPolicyResult
	ServerSecretsSetDisabledResult
	ServerSecretsDeleteCredentialResult
	ServerSecretsHasTotpResult
	ServerSecretsSetupTotpResult
	ServerSecretsVerifyTotpResult
	ServerSecretsRemoveTotpResult
	ServerReloadResult
	ServerError
	ServerInfo
	ServerStreamStart
	ServerChunk
	ServerThinkingStart
	ServerThinkingDelta
	ServerThinkingEnd
	ServerToolCall
	ServerToolResult
	ServerToolApprovalRequest
	ServerUserPromptRequest
	ServerResponseDone

	serverFrameTypeCount
)

var serverFrameNames = [serverFrameTypeCount]string{
	"auth_challenge",
	"auth_result",
	"auth_locked",
	"hello",
	"status",
	"vault_unlocked",
	"secrets_list_result",
	"secrets_store_result",
	"secrets_get_result",
	"secrets_delete_result",
	"secrets_peek_result",
	"secrets_set_policy_result",
	"secrets_set_disabled_result",
	"secrets_delete_credential_result",
	"secrets_has_totp_result",
	"secrets_setup_totp_result",
	"secrets_verify_totp_result",
	"secrets_remove_totp_result",
	"reload_result",
	"error",
	"info",
	"stream_start",
	"chunk",
	"thinking_start",
	"thinking_delta",
	"thinking_end",
	"tool_call",
	"tool_result",
	"tool_approval_request",
	"user_prompt_request",
	"response_done",
}

func (t ServerFrameType) String() string {
	if t < serverFrameTypeCount {
		return serverFrameNames[t]
	}
	return fmt.Sprintf("server_frame(%d)", uint8(t))
}

// StatusType is the subtype carried by a Status frame.
type StatusType uint8

const (
	StatusModelConfigured StatusType = iota
	StatusCredentialsLoaded
	StatusCredentialsMissing
	StatusModelConnecting
	StatusModelReady
	StatusModelError
	StatusNoModel
	StatusVaultLocked
)

var statusNames = map[StatusType]string{
	StatusModelConfigured:    "model_configured",
	StatusCredentialsLoaded:  "credentials_loaded",
	StatusCredentialsMissing: "credentials_missing",
	StatusModelConnecting:    "model_connecting",
	StatusModelReady:         "model_ready",
	StatusModelError:         "model_error",
	StatusNoModel:            "no_model",
	StatusVaultLocked:        "vault_locked",
}

func (s StatusType) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ClientFrame is implemented by every client-to-gateway frame type in this
// package and by nothing else.
type ClientFrame interface {
	ClientType() ClientFrameType
	encode(e *encoder)
	decodeField(num protowire.Number, f field) error
}

// ServerFrame is implemented by every gateway-to-client frame type in this
// package and by nothing else.
type ServerFrame interface {
	ServerType() ServerFrameType
	encode(e *encoder)
	decodeField(num protowire.Number, f field) error
}

// noPayload is embedded by frames that carry no fields.
type noPayload struct{}

func (noPayload) encode(*encoder)                            {}
func (noPayload) decodeField(protowire.Number, field) error { return nil }
