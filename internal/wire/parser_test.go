package wire

import (
	"bytes"
	"testing"
)

func TestParserFeedString(t *testing.T) {
	var frames []*Frame
	var errs []error
	p := &Parser{
		OnFrame: func(f *Frame) { frames = append(frames, f) },
		OnError: func(err error) { errs = append(errs, err) },
	}

	p.FeedString("2")
	p.FeedString(`42["hello"]`)
	p.FeedString("!")

	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].Type != FramePing {
		t.Errorf("frames[0].Type = %v, want PING", frames[0].Type)
	}
	if frames[1].Type != FrameMessage || string(frames[1].Data) != `2["hello"]` {
		t.Errorf("frames[1] = %+v, want MESSAGE 2[\"hello\"]", frames[1])
	}
	if len(errs) != 1 {
		t.Errorf("errs = %d, want 1", len(errs))
	}
}

func TestParserFeedBinary(t *testing.T) {
	var frames []*Frame
	var errs []error
	p := &Parser{
		OnFrame: func(f *Frame) { frames = append(frames, f) },
		OnError: func(err error) { errs = append(errs, err) },
	}

	p.FeedBinary([]byte{4, 9, 8, 7})
	p.FeedBinary(nil)

	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if !frames[0].Binary || !bytes.Equal(frames[0].Data, []byte{9, 8, 7}) {
		t.Errorf("frames[0] = %+v, want binary [9 8 7]", frames[0])
	}
	if len(errs) != 1 {
		t.Errorf("errs = %d, want 1", len(errs))
	}
}

func TestParserNilCallbacks(t *testing.T) {
	// A parser with no callbacks must not panic.
	p := &Parser{}
	p.FeedString("2")
	p.FeedString("!")
	p.FeedBinary(nil)
}
