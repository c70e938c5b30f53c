// Package livephoto packages a still image and a short video into a Live Photo pair
// and extracts such pairs back into plain files.
//
// A pair is a JPEG still and a QuickTime movie that share one content identifier.
// The still carries it in the Apple MakerNote of its EXIF block, the movie carries it
// as a movie-level metadata item and adds a timed metadata track marking the
// presentation time of the still. The JPEG and EXIF containers are assembled in Go;
// the movie is remuxed sample by sample without re-encoding.
package livephoto
