package warm

// WarmRequest is the FSM input: one avatar id to prefetch, with an optional
// already-known URL.
type WarmRequest struct {
	AvatarID int64
	URL      string
}

// WarmResponse is the FSM output (accumulated across transitions)
type WarmResponse struct {
	// From Resolve
	URL string

	// From Download
	SHA256  string
	Size    int64
	RawPath string

	// From Transform
	VariantPath string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateResolve   = "resolve"
	StateDownload  = "download"
	StateTransform = "transform"
	StateComplete  = "complete"
	StateFailed    = "failed"
)
