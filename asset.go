package livephoto

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/vearutop/livephoto/internal/httpx"
)

// ResourceType classifies a component of an asset.
type ResourceType int

// Resource types.
const (
	ResourceOther ResourceType = iota
	ResourcePhoto
	ResourcePairedVideo
)

func (t ResourceType) String() string {
	switch t {
	case ResourcePhoto:
		return "photo"
	case ResourcePairedVideo:
		return "paired video"
	}
	return "other"
}

// Uniform type identifiers of common resources.
const (
	UTIJPEG      = "public.jpeg"
	UTIHEIC      = "public.heic"
	UTIPNG       = "public.png"
	UTIQuickTime = "com.apple.quicktime-movie"
	UTIMPEG4     = "public.mpeg-4"
)

var utiExtensions = map[string]string{
	UTIJPEG:      ".JPG",
	UTIHEIC:      ".HEIC",
	UTIPNG:       ".PNG",
	UTIQuickTime: ".MOV",
	UTIMPEG4:     ".MP4",
}

// Resource is one fetchable component of an asset.
type Resource struct {
	Type ResourceType
	// UniformType names the data format, e.g. public.jpeg.
	UniformType      string
	OriginalFilename string
	Open             func(ctx context.Context) (io.ReadCloser, error)
}

// Asset lists the resources of a stored Live Photo.
type Asset interface {
	Resources(ctx context.Context) ([]Resource, error)
}

// AssetFunc adapts a function to Asset.
type AssetFunc func(ctx context.Context) ([]Resource, error)

// Resources implements Asset.
func (f AssetFunc) Resources(ctx context.Context) ([]Resource, error) { return f(ctx) }

// extensionFor maps a uniform type to a file extension, falling back to the original name.
func extensionFor(r Resource) string {
	if ext, ok := utiExtensions[r.UniformType]; ok {
		return ext
	}
	if ext := path.Ext(r.OriginalFilename); ext != "" {
		return strings.ToUpper(ext)
	}
	if r.Type == ResourcePairedVideo {
		return extMOV
	}
	return extJPEG
}

// uniformTypeFromExt maps a file extension to a uniform type, empty if unknown.
func uniformTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".jpe":
		return UTIJPEG
	case ".heic", ".heif":
		return UTIHEIC
	case ".png":
		return UTIPNG
	case ".mov", ".qt":
		return UTIQuickTime
	case ".mp4", ".m4v":
		return UTIMPEG4
	}
	return ""
}

func uniformTypeFromMIME(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mt {
	case "image/jpeg":
		return UTIJPEG
	case "image/heic", "image/heif":
		return UTIHEIC
	case "image/png":
		return UTIPNG
	case "video/quicktime":
		return UTIQuickTime
	case "video/mp4":
		return UTIMPEG4
	}
	return ""
}

func fileResource(typ ResourceType, p string) Resource {
	return Resource{
		Type:             typ,
		UniformType:      uniformTypeFromExt(filepath.Ext(p)),
		OriginalFilename: filepath.Base(p),
		Open: func(context.Context) (io.ReadCloser, error) {
			return os.Open(filepath.Clean(p))
		},
	}
}

func bytesResource(typ ResourceType, uti, name string, data []byte) Resource {
	return Resource{
		Type:             typ,
		UniformType:      uti,
		OriginalFilename: name,
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// PairAsset is an explicit still and movie file pair.
func PairAsset(imagePath, videoPath string) Asset {
	return AssetFunc(func(context.Context) ([]Resource, error) {
		var res []Resource
		if imagePath != "" {
			res = append(res, fileResource(ResourcePhoto, imagePath))
		}
		if videoPath != "" {
			res = append(res, fileResource(ResourcePairedVideo, videoPath))
		}
		return res, nil
	})
}

var sidecarVideoExts = []string{".MOV", ".MP4", ".mov", ".mp4"}

// FindSidecarVideo returns the movie stored next to an image under the same base name,
// IMG_1234.HEIC with IMG_1234.MOV for example. It returns "" when there is none.
func FindSidecarVideo(imagePath string) string {
	ext := filepath.Ext(imagePath)
	base := strings.TrimSuffix(imagePath, ext)

	exts := sidecarVideoExts
	if ext == strings.ToLower(ext) {
		exts = []string{".mov", ".mp4", ".MOV", ".MP4"}
	}
	for _, e := range exts {
		p := base + e
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// SidecarAsset is an image with its sidecar movie found next to it.
func SidecarAsset(imagePath string) Asset {
	return AssetFunc(func(ctx context.Context) ([]Resource, error) {
		return PairAsset(imagePath, FindSidecarVideo(imagePath)).Resources(ctx)
	})
}

// RemoteAsset fetches the still and the movie over HTTP. A nil client uses httpx.NewClient.
func RemoteAsset(client *http.Client, photoURL, videoURL string) Asset {
	if client == nil {
		client = httpx.NewClient()
	}
	return AssetFunc(func(context.Context) ([]Resource, error) {
		var res []Resource
		if photoURL != "" {
			res = append(res, remoteResource(client, ResourcePhoto, photoURL))
		}
		if videoURL != "" {
			res = append(res, remoteResource(client, ResourcePairedVideo, videoURL))
		}
		return res, nil
	})
}

func remoteResource(client *http.Client, typ ResourceType, rawURL string) Resource {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	r := Resource{
		Type:             typ,
		UniformType:      uniformTypeFromExt(path.Ext(name)),
		OriginalFilename: name,
	}
	r.Open = func(ctx context.Context) (io.ReadCloser, error) {
		body, contentType, err := httpx.Get(ctx, client, rawURL)
		if err != nil {
			return nil, err
		}
		return typedBody{ReadCloser: body, uniformType: uniformTypeFromMIME(contentType)}, nil
	}
	return r
}

// typedBody is resource data that declares its own uniform type,
// used when the resource does not know it before fetching.
type typedBody struct {
	io.ReadCloser
	uniformType string
}

func (b typedBody) UniformType() string { return b.uniformType }
