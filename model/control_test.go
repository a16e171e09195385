package model_test

import (
	"testing"

	"github.com/pinos-project/pinosclient/internal/cos"
	"github.com/pinos-project/pinosclient/model"
)

func TestFormatChangeRoundTrip(t *testing.T) {
	fc := model.FormatChange{ID: 7, Format: "audio/x-raw;rate=48000"}
	rec := model.EncodeFormatChange(fc)

	recs, err := model.ParseControlRecords(rec)
	if err != nil {
		t.Fatalf("ParseControlRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].Type != model.ControlFormatChange {
		t.Fatalf("unexpected records: %+v", recs)
	}
	got, err := model.DecodeFormatChange(recs[0].Body)
	if err != nil {
		t.Fatalf("DecodeFormatChange: %v", err)
	}
	if got != fc {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, fc)
	}
}

func TestParseControlRecordsTruncated(t *testing.T) {
	_, err := model.ParseControlRecords([]byte{0, 0, 0, 1})
	if _, ok := cos.KindOf(err); !ok {
		t.Fatalf("expected a cos.Error, got %v (%T)", err, err)
	}
	if k, _ := cos.KindOf(err); k != cos.KindProtocolError {
		t.Fatalf("expected KindProtocolError, got %v", k)
	}
}

func TestMultipleControlRecords(t *testing.T) {
	a := model.EncodeControlRecord(model.ControlFormatChange, []byte("one"))
	b := model.EncodeControlRecord(99, []byte("two"))
	recs, err := model.ParseControlRecords(append(a, b...))
	if err != nil {
		t.Fatalf("ParseControlRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if string(recs[0].Body) != "one" || string(recs[1].Body) != "two" {
		t.Fatalf("unexpected bodies: %q, %q", recs[0].Body, recs[1].Body)
	}
	if recs[1].Type != 99 {
		t.Fatalf("unrecognized type not passed through: %d", recs[1].Type)
	}
}
