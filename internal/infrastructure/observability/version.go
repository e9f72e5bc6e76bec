package observability

// Build identity, stamped through -ldflags at release time. The
// defaults cover plain `go build` trees; Date is ISO8601 UTC.
var (
	Version = "dev"
	Commit  = "none"
	Date    = ""
)
