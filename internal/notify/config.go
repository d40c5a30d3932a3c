package notify

// Config selects the ntfy topic that import outcomes go to.
type Config struct {
	Enabled  bool
	Server   string // e.g. https://ntfy.sh
	Topic    string
	Priority string // min, low, default, high or urgent; empty leaves the server default
	Tags     string // comma-separated, prepended to the outcome tag
	Token    string // bearer token for protected topics
}
