package types

// ResponseMeta conveys non-blocking metadata alongside a successful API
// response. Warnings carry degraded-mode notices (for example when the
// presence store is unreachable and online user counts are stale) without
// failing the request.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}
