package search

// Result is a single issue hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	Status    string `json:"status"`
	ProjectID string `json:"projectId"`
	ColumnID  string `json:"columnId"`
}

// Query describes an issue search request.
type Query struct {
	Text            string
	FilterProjectID string
	FilterStatus    string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute an issue search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push issues into a search index.
type Indexer interface {
	IndexIssue(issue IssueRecord) error
	DeleteIssue(id string) error
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	ProjectID   string `json:"projectId"`
	ColumnID    string `json:"columnId"`
}
