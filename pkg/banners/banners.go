package banners

import (
	"fmt"

	"github.com/common-fate/hubctl/internal/build"
)

func WithVersion() string {
	return fmt.Sprintf("hubctl version: %s (commit %s, built %s by %s)\n", build.Version, build.Commit, build.Date, build.BuiltBy)
}
