package domain

// City is the static content record served by the origin.
// The sync core only consumes Slug and LastUpdated.
type City struct {
	ID             string          `json:"id"`
	Slug           string          `json:"slug"`
	Name           string          `json:"name"`
	Country        string          `json:"country"`
	LastUpdated    string          `json:"lastUpdated"`
	TransitHacks   []TransitHack   `json:"transitHacks"`
	LocalEtiquette []EtiquetteItem `json:"localEtiquette"`
	Emergency      EmergencyInfo   `json:"emergency"`
}

type TransitHack struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type EtiquetteItem struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Do          []string `json:"do,omitempty"`
	Dont        []string `json:"dont,omitempty"`
}

type EmergencyInfo struct {
	CountryCode    string             `json:"countryCode"`
	LocalEmergency string             `json:"localEmergency"`
	Police         string             `json:"police,omitempty"`
	Ambulance      string             `json:"ambulance,omitempty"`
	Fire           string             `json:"fire,omitempty"`
	Other          []EmergencyContact `json:"other,omitempty"`
}

type EmergencyContact struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// VersionInfo is one entry of the version-check response.
type VersionInfo struct {
	LastUpdated string `json:"lastUpdated"`
	Name        string `json:"name"`
}
