package livephoto_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vearutop/livephoto"
)

func ExampleCodec_Generate() {
	codec, err := livephoto.New(func(o *livephoto.Options) {
		o.StillImagePercent = 0.5
	})
	if err != nil {
		return
	}
	defer codec.Close()

	res, err := codec.Generate(context.Background(), "testdata/still.jpg", "testdata/clip.mov", func(p float64) {
		fmt.Printf("%.0f%%\n", p*100)
	})
	if err != nil {
		return
	}

	_, _ = codec.SaveToLibrary(context.Background(), *res, &livephoto.DirLibrary{Dir: "library"})
}

func ExampleCodec_ExtractResources() {
	codec, err := livephoto.New()
	if err != nil {
		return
	}
	defer codec.Close()

	res, err := codec.ExtractResources(context.Background(), livephoto.SidecarAsset("testdata/IMG_0001.HEIC"))
	if err != nil {
		return
	}
	_ = os.Rename(res.VideoPath, filepath.Join("out", filepath.Base(res.VideoPath)))
}

func ExampleIsPairedImage() {
	f, err := os.Open(filepath.FromSlash("testdata/IMG_0001.JPG"))
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = livephoto.IsPairedImage(f)
}

func ExampleInspectPair() {
	r, err := livephoto.InspectPair("IMG_0001.JPG", "IMG_0001.MOV")
	if err != nil {
		return
	}
	if r.Paired {
		fmt.Println(r.ImageIdentifier, r.StillImageTime.StartTime())
	}
}
