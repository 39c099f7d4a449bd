// Package search provides full-text search over proposals, backed by
// Meilisearch with a PostgreSQL fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	OrgID    string `json:"orgId"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Category string `json:"category"`
	Status   string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterOrgID  string
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ProposalRecord is the data we index for a proposal.
type ProposalRecord struct {
	ID          string `json:"id"`
	OrgID       string `json:"orgId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Status      string `json:"status"`
}
