package backup

import (
	"path"
	"strings"
	"time"

	"github.com/dukerupert/graphsafe/internal/model"
)

// ProtectedMarker prefixes the base name of every protected archive.
const ProtectedMarker = "_"

const (
	keyTimeLayout    = "20060102T150405.000Z"
	legacyTimeLayout = "20060102_150405"
	archiveExt       = ".json.gz"
)

// ArchiveKey derives the object key for an archive of kind created at t.
func ArchiveKey(prefix string, kind model.ArchiveKind, t time.Time) string {
	marker := ""
	if kind == model.KindProtected {
		marker = ProtectedMarker
	}
	return prefix + marker + string(kind) + "-" + t.UTC().Format(keyTimeLayout) + archiveExt
}

// IsProtected reports whether key carries the protection marker.
func IsProtected(key string) bool {
	return strings.HasPrefix(path.Base(key), ProtectedMarker)
}

// ParseKey recovers the kind and creation time encoded in key. It accepts
// the current layout as well as the older "{kind}/{ts}_backup.json.gz" and
// "deletions/_{ts}_{item}_deletion.json.gz" layouts.
func ParseKey(prefix, key string) (model.ArchiveKind, time.Time, bool) {
	rel := strings.TrimPrefix(key, prefix)
	base := path.Base(rel)
	if !strings.HasSuffix(base, archiveExt) {
		return "", time.Time{}, false
	}
	name := strings.TrimSuffix(base, archiveExt)
	protected := strings.HasPrefix(name, ProtectedMarker)
	name = strings.TrimPrefix(name, ProtectedMarker)

	if kind, ts, ok := strings.Cut(name, "-"); ok {
		t, err := time.Parse(keyTimeLayout, ts)
		k := model.ArchiveKind(kind)
		if err == nil && k.Valid() {
			return k, t, true
		}
	}

	if len(name) < len(legacyTimeLayout) {
		return "", time.Time{}, false
	}
	t, err := time.Parse(legacyTimeLayout, name[:len(legacyTimeLayout)])
	if err != nil {
		return "", time.Time{}, false
	}
	if protected {
		return model.KindProtected, t, true
	}
	k := model.ArchiveKind(path.Base(path.Dir(rel)))
	if !k.Valid() {
		return "", time.Time{}, false
	}
	return k, t, true
}
