package livephoto

import "testing"

func TestXMPVideoLength(t *testing.T) {
	for xml, want := range map[string]int{
		`<Container:Item Item:Semantic="MotionPhoto" Item:Mime="video/mp4" Item:Length="1234" Item:Padding="0"/>`: 1234,
		`<Container:Item Item:Length="99" Item:Semantic="MotionPhoto"/>`:                                          99,
		`<rdf:Description GCamera:MicroVideoOffset="4096"/>`:                                                      4096,
	} {
		got, ok := xmpVideoLength(xml)
		if !ok || got != want {
			t.Fatalf("%s: got %d %v, want %d", xml, got, ok, want)
		}
	}

	if _, ok := xmpVideoLength(`<Container:Item Item:Semantic="Primary" Item:Length="10"/>`); ok {
		t.Fatal("primary item taken as video")
	}
}

func TestSplitMotionPhoto_notJPEG(t *testing.T) {
	if _, err := splitMotionPhoto([]byte("\x00\x00\x00\x18ftypmp42")); err == nil {
		t.Fatal("expected error")
	}
	if _, err := splitMotionPhoto(testJPEG(t, 8, 8)); err != errNoMotionVideo {
		t.Fatalf("unexpected error: %v", err)
	}
}
