package transfer

// Status values carried in a response header.
const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// request asks a provider for the content behind Key.
type request struct {
	Key string `json:"key"`
}

// header precedes exactly Size raw bytes when Status is ok.
type header struct {
	Status    string `json:"status"`
	Size      int64  `json:"size,omitempty"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Error     string `json:"error,omitempty"`
}
