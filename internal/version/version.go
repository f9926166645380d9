package version

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed version.txt
var embedFS embed.FS

func Version() string {
	bs, err := embedFS.ReadFile("version.txt")
	if err != nil {
		return "0.0.0+unknown"
	}
	return strings.TrimSpace(string(bs))
}

// UserAgent identifies the service on outbound requests, e.g. model downloads.
func UserAgent() string {
	return fmt.Sprintf("captioner/%s", Version())
}
