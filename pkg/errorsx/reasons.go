package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonModelNotFound   ReasonCode = "model_not_found"
	ReasonManifestInvalid ReasonCode = "manifest_invalid"

	ReasonEngineInit        ReasonCode = "engine_init"
	ReasonEngineClosed      ReasonCode = "engine_closed"
	ReasonInference         ReasonCode = "inference"
	ReasonEngineConnect     ReasonCode = "engine_connect"
	ReasonEngineSend        ReasonCode = "engine_send"
	ReasonEngineRateLimit   ReasonCode = "engine_rate_limit"
	ReasonEngineCircuitOpen ReasonCode = "engine_circuit_open"

	ReasonTransportSend  ReasonCode = "transport_send"
	ReasonPayloadInvalid ReasonCode = "payload_invalid"
)
