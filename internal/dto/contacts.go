package dto

type DeviceListRequest struct {
	Active   []uint32 `json:"active"`
	Inactive []uint32 `json:"inactive"`
}

type DeviceListResponse struct {
	Address  string   `json:"address"`
	Active   []uint32 `json:"active"`
	Inactive []uint32 `json:"inactive"`
}

type SetTrustRequest struct {
	Fingerprint string `json:"fingerprint"`
	Trust       string `json:"trust"`
	// Blind records the decision even if the key has not been seen yet.
	Blind bool `json:"blind,omitempty"`
}

type SetTrustResponse struct {
	Updated bool   `json:"updated"`
	Trust   string `json:"trust"`
}

type TrustedCountResponse struct {
	Address string `json:"address"`
	Trusted int64  `json:"trusted"`
}
