package livephoto

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AssetIdentifier links the still and the movie of one pair.
type AssetIdentifier string

// NewAssetIdentifier returns a fresh upper-case UUID.
func NewAssetIdentifier() AssetIdentifier {
	return AssetIdentifier(strings.ToUpper(uuid.NewString()))
}

// TimeRange is a span of movie time.
type TimeRange struct {
	Start     int64
	Duration  int64
	Timescale uint32
}

// StartTime returns Start as a duration.
func (r TimeRange) StartTime() time.Duration {
	if r.Timescale == 0 {
		return 0
	}
	ts := int64(r.Timescale)
	return time.Duration(r.Start/ts)*time.Second + time.Duration(r.Start%ts)*time.Second/time.Duration(ts)
}

// End returns Start + Duration.
func (r TimeRange) End() int64 { return r.Start + r.Duration }

// Resources is a Live Photo pair on disk. The caller owns both files.
type Resources struct {
	StillImagePath string `json:"still_image"`
	VideoPath      string `json:"video"`
}
