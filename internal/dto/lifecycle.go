package dto

type RotateSignedPreKeyResponse struct {
	Rotated               bool   `json:"rotated"`
	CurrentSignedPreKeyID uint32 `json:"currentSignedPreKeyId"`
}

type ReplenishPreKeysResponse struct {
	Added int   `json:"added"`
	Count int64 `json:"count"`
}

type PurgeAccountResponse struct {
	Account string           `json:"account"`
	Deleted map[string]int64 `json:"deleted"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
