package release

import "strings"

// Release describes a downloadable application release selected from the
// feed. It is immutable once built; later stages only read from it.
type Release struct {
	// Version is the release tag with any leading "v" stripped.
	Version string
	// DownloadURL points at the selected update archive.
	DownloadURL string
	// Notes is the release body as published on the feed.
	Notes string
	// FileSizeBytes is the advertised size of the selected asset, 0 when
	// the feed did not include one.
	FileSizeBytes int64
	// Checksum is the expected SHA-256 hex digest of the asset, empty when
	// the feed did not publish one.
	Checksum string
	// IsCritical is true when the release notes mention one of the known
	// urgency keywords.
	IsCritical bool
}

// criticalKeywords is scanned against the lowercased release notes. The feed
// publishes notes in english or spanish, so both keyword sets are present.
var criticalKeywords = []string{
	"critical",
	"security",
	"hotfix",
	"urgent",
	"vulnerability",
	"crítico",
	"critico",
	"seguridad",
	"urgente",
}

func notesAreCritical(notes string) bool {
	lowered := strings.ToLower(notes)
	for _, keyword := range criticalKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
