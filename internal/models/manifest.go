package models

// DappManifest is dApp-declared metadata, stored as received. It is never
// trusted for anything beyond display.
type DappManifest struct {
	URL     string `json:"url" msgpack:"url"`
	Name    string `json:"name" msgpack:"name"`
	IconURL string `json:"iconUrl" msgpack:"icon_url"`
}

type DeviceInfo struct {
	Platform           string   `json:"platform"`
	AppName            string   `json:"appName"`
	AppVersion         string   `json:"appVersion"`
	MaxProtocolVersion int      `json:"maxProtocolVersion"`
	Features           []string `json:"features"`
}

type Account struct {
	Address   string `json:"address"`
	Chain     string `json:"chain"`
	PublicKey string `json:"publicKey"`
}
