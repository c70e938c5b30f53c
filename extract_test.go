package livephoto

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/vearutop/livephoto/internal/httpx"
	"github.com/vearutop/livephoto/internal/mov/movtest"
)

func TestExtract_roundTrip(t *testing.T) {
	dir := t.TempDir()
	video := writeClip(t, dir, movtest.Default())
	still := writeFile(t, dir, "still.jpg", testJPEG(t, 32, 32))

	c := newTestCodec(t)
	gen, err := c.Generate(context.Background(), still, video, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	res, err := c.ExtractResources(context.Background(), PairAsset(gen.StillImagePath, gen.VideoPath))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if filepath.Dir(res.StillImagePath) == filepath.Dir(gen.StillImagePath) {
		t.Fatal("extract reused the generate directory")
	}
	if filepath.Ext(res.StillImagePath) != ".JPG" || filepath.Ext(res.VideoPath) != ".MOV" {
		t.Fatalf("names %+v", res)
	}

	for _, pair := range [][2]string{{gen.StillImagePath, res.StillImagePath}, {gen.VideoPath, res.VideoPath}} {
		a, err := os.ReadFile(pair[0])
		if err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(pair[1])
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("%s differs from %s", pair[1], pair[0])
		}
	}

	if err := ValidatePair(res.StillImagePath, res.VideoPath); err != nil {
		t.Fatalf("validate: %v", err)
	}
	r, err := ExistingStillImageTime(res.VideoPath)
	if err != nil || r == nil || r.Start != 1200 {
		t.Fatalf("still image time %+v, %v", r, err)
	}
}

func TestExtract_missingPairedVideo(t *testing.T) {
	dir := t.TempDir()
	still := writeFile(t, dir, "IMG_0007.JPG", testJPEG(t, 16, 16))

	c := newTestCodec(t)
	for name, asset := range map[string]Asset{
		"pair":    PairAsset(still, ""),
		"sidecar": SidecarAsset(still),
		"failing": PairAsset(still, filepath.Join(dir, "missing.MOV")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.ExtractResources(context.Background(), asset)
			if !errors.Is(err, ErrIncompletePair) {
				t.Fatalf("unexpected error: %v", err)
			}
			if names := dirEntries(t, c.ScratchDir()); len(names) != 0 {
				t.Fatalf("scratch not clean: %v", names)
			}
		})
	}
}

func TestExtract_emptyResource(t *testing.T) {
	dir := t.TempDir()
	still := writeFile(t, dir, "a.jpg", testJPEG(t, 16, 16))
	video := writeFile(t, dir, "a.mov", nil)

	out := t.TempDir()
	if _, err := Extract(context.Background(), PairAsset(still, video), out); !errors.Is(err, ErrIncompletePair) {
		t.Fatalf("unexpected error: %v", err)
	}
	if names := dirEntries(t, out); len(names) != 0 {
		t.Fatalf("output not clean: %v", names)
	}
}

func TestSidecarAsset(t *testing.T) {
	dir := t.TempDir()
	still := writeFile(t, dir, "IMG_1234.HEIC", []byte("heic bytes"))
	writeFile(t, dir, "IMG_1234.mov", []byte("movie bytes"))

	res, err := Extract(context.Background(), SidecarAsset(still), t.TempDir())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if filepath.Base(res.StillImagePath) != "IMG_1234.HEIC" || filepath.Base(res.VideoPath) != "IMG_1234.MOV" {
		t.Fatalf("names %+v", res)
	}
}

func xmpSegment(xml string) []byte {
	payload := append(append([]byte(nil), xmpPrefix...), xml...)
	var b bytes.Buffer
	writeAppSegment(&b, markerAPP1, payload)
	return b.Bytes()
}

func motionPhoto(t *testing.T, xml string, movie []byte) []byte {
	t.Helper()
	img := testJPEG(t, 16, 16)
	var b bytes.Buffer
	b.Write(img[:2])
	if xml != "" {
		b.Write(xmpSegment(xml))
	}
	b.Write(img[2:])
	b.Write(movie)
	return b.Bytes()
}

func TestMotionPhotoAsset(t *testing.T) {
	dir := t.TempDir()
	movie, err := os.ReadFile(writeClip(t, dir, movtest.Default()))
	if err != nil {
		t.Fatal(err)
	}
	n := strconv.Itoa(len(movie))

	for name, xml := range map[string]string{
		"container": `<x:xmpmeta><rdf:Description GCamera:MotionPhoto="1"><Container:Directory><rdf:Seq>` +
			`<rdf:li><Container:Item Item:Mime="image/jpeg" Item:Semantic="Primary"/></rdf:li>` +
			`<rdf:li><Container:Item Item:Mime="video/mp4" Item:Semantic="MotionPhoto" Item:Length="` + n + `"/></rdf:li>` +
			`</rdf:Seq></Container:Directory></rdf:Description></x:xmpmeta>`,
		"micro video": `<rdf:Description GCamera:MicroVideo="1" GCamera:MicroVideoOffset="` + n + `"/>`,
		"scan":        "",
	} {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, "PXL_"+name+".MP.jpg", motionPhoto(t, xml, movie))
			res, err := Extract(context.Background(), MotionPhotoAsset(path), t.TempDir())
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			got, err := os.ReadFile(res.VideoPath)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, movie) {
				t.Fatalf("video is %d bytes, want %d", len(got), len(movie))
			}
			still, err := os.ReadFile(res.StillImagePath)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := findJPEGEnd(still, 0); err != nil || !isJPEG(still) {
				t.Fatalf("still is not a JPEG: %v", err)
			}
			if filepath.Ext(res.VideoPath) != ".MP4" {
				t.Fatalf("video name %s", res.VideoPath)
			}
			if _, err := CountFrames(context.Background(), res.VideoPath, false); err != nil {
				t.Fatalf("extracted movie unreadable: %v", err)
			}
		})
	}

	plain := writeFile(t, dir, "plain.jpg", testJPEG(t, 16, 16))
	if _, err := Extract(context.Background(), MotionPhotoAsset(plain), t.TempDir()); !errors.Is(err, ErrIncompletePair) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRemoteAsset(t *testing.T) {
	photo := testJPEG(t, 16, 16)
	movie, err := os.ReadFile(writeClip(t, t.TempDir(), movtest.Default()))
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/assets/IMG_0042.JPG", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(photo)
	})
	mux.HandleFunc("/assets/IMG_0042.MOV", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/quicktime")
		_, _ = w.Write(movie)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := httpx.NewClient(func(tr *httpx.Transport) { tr.RetryMax = 0 })

	res, err := Extract(context.Background(), RemoteAsset(client, srv.URL+"/assets/IMG_0042.JPG", srv.URL+"/assets/IMG_0042.MOV"), t.TempDir())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if filepath.Base(res.StillImagePath) != "IMG_0042.JPG" || filepath.Base(res.VideoPath) != "IMG_0042.MOV" {
		t.Fatalf("names %+v", res)
	}
	if got, _ := os.ReadFile(res.VideoPath); !bytes.Equal(got, movie) {
		t.Fatal("video bytes differ")
	}

	out := t.TempDir()
	_, err = Extract(context.Background(), RemoteAsset(client, srv.URL+"/assets/IMG_0042.JPG", srv.URL+"/assets/missing.MOV"), out)
	if !errors.Is(err, ErrIncompletePair) {
		t.Fatalf("unexpected error: %v", err)
	}
	var se *httpx.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("status error not exposed: %v", err)
	}
	if names := dirEntries(t, out); len(names) != 0 {
		t.Fatalf("output not clean: %v", names)
	}
}

func TestRemoteAsset_contentType(t *testing.T) {
	photo := testJPEG(t, 16, 16)
	movie, err := os.ReadFile(writeClip(t, t.TempDir(), movtest.Default()))
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/still", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/heic")
		_, _ = w.Write(photo)
	})
	mux.HandleFunc("/motion.bin", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4; codecs=avc1")
		_, _ = w.Write(movie)
	})
	mux.HandleFunc("/IMG_0001.MOV", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(movie)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := httpx.NewClient(func(tr *httpx.Transport) { tr.RetryMax = 0 })

	res, err := Extract(context.Background(), RemoteAsset(client, srv.URL+"/still", srv.URL+"/motion.bin"), t.TempDir())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if filepath.Base(res.StillImagePath) != "still.HEIC" || filepath.Base(res.VideoPath) != "motion.MP4" {
		t.Fatalf("names %+v", res)
	}

	// The URL extension wins over a generic content type.
	res, err = Extract(context.Background(), RemoteAsset(client, srv.URL+"/still", srv.URL+"/IMG_0001.MOV"), t.TempDir())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if filepath.Base(res.VideoPath) != "IMG_0001.MOV" {
		t.Fatalf("video name %q", filepath.Base(res.VideoPath))
	}
}
