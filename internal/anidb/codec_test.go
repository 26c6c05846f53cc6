package anidb

import (
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func TestEncodeEscapesValues(t *testing.T) {
	t.Parallel()

	got := Encode("AUTH", Params{{"user", "a&b"}, {"pass", "x\ny"}, {"enc", "UTF8"}})
	want := "AUTH user=a&amp;b&pass=x<br />y&enc=UTF8"
	if got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
	if got := Encode("PING", nil); got != "PING" {
		t.Fatalf("Encode without params = %q", got)
	}
}

func TestParamsWithDoesNotAlias(t *testing.T) {
	t.Parallel()

	base := make(Params, 1, 4)
	base[0] = Param{"a", "1"}
	x := base.With("s", "one")
	y := base.With("s", "two")
	if v, _ := x.Get("s"); v != "one" {
		t.Fatalf("x.s = %q, want one", v)
	}
	if v, _ := y.Get("s"); v != "two" {
		t.Fatalf("y.s = %q, want two", v)
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    ReturnCode
		wantErr bool
	}{
		{raw: "200 abc LOGIN ACCEPTED", want: CodeLoginAccepted},
		{raw: "300 PONG\n4000", want: CodePong},
		{raw: "555", want: CodeBanned},
		{raw: "hello", wantErr: true},
		{raw: "20", wantErr: true},
		{raw: "2000 nope", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.raw)
		if tt.wantErr {
			if KindOf(err) != KindMalformed {
				t.Fatalf("ParseStatus(%q) err = %v, want malformed", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseStatus(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestParseLogin(t *testing.T) {
	t.Parallel()

	res, err := ParseLogin(CodeLoginAccepted, "200 sess123 LOGIN ACCEPTED\nimg.example.com")
	if err != nil {
		t.Fatalf("ParseLogin: %v", err)
	}
	if res.Session != "sess123" || res.ImageServer != "img.example.com" {
		t.Fatalf("ParseLogin = %+v", res)
	}

	res, err = ParseLogin(CodeLoginAcceptedNewVersion, "201 k9 1.2.3.4:9000 LOGIN ACCEPTED - NEW VERSION AVAILABLE\n\nimg7.anidb.net\n")
	if err != nil {
		t.Fatalf("ParseLogin nat: %v", err)
	}
	if res.Session != "k9" || res.ImageServer != "img7.anidb.net" || !res.NewVersion {
		t.Fatalf("ParseLogin nat = %+v", res)
	}
}

func TestParseLoginRejectsIncompleteResponses(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"200 sess123 ACCEPTED\nimg.example.com",
		"200 sess123 LOGIN ACCEPTED",
		"200 LOGIN ACCEPTED\nimg.example.com",
	} {
		if _, err := ParseLogin(CodeLoginAccepted, raw); KindOf(err) != KindMalformed {
			t.Fatalf("ParseLogin(%q) err = %v, want malformed", raw, err)
		}
	}
}

func TestFileParse(t *testing.T) {
	t.Parallel()

	raw := "220 FILE\n312498|1|3|12|1|365418496|0d5ee8e3e1f0ac4e2b8a3c4e5f6a7b8c|high|www|H264/AVC|1280x720|mkv|japanese|english'german|1420|Show - 01 [Grp].mkv"
	info, err := File{}.Parse(CodeFile, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.FileID != 312498 || info.AnimeID != 1 || info.EpisodeID != 3 || info.GroupID != 12 {
		t.Fatalf("ids = %+v", info)
	}
	if info.Size != 365418496 || info.LengthSeconds != 1420 || info.Resolution != "1280x720" {
		t.Fatalf("info = %+v", info)
	}
	if len(info.SubLanguages) != 2 || info.SubLanguages[1] != "german" {
		t.Fatalf("sub languages = %v", info.SubLanguages)
	}
	if info.FileName != "Show - 01 [Grp].mkv" {
		t.Fatalf("file name = %q", info.FileName)
	}

	_, err = File{}.Parse(CodeFile, "220 FILE\n1|2|3")
	if KindOf(err) != KindMalformed {
		t.Fatalf("short data line err = %v, want malformed", err)
	}
	_, err = File{}.Parse(CodeNoSuchFile, "320 NO SUCH FILE")
	if KindOf(err) != KindNotFound {
		t.Fatalf("320 err = %v, want not_found", err)
	}
}

func TestDecodeDatagramCompressed(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{0, 0})
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte("t1 300 PONG\n")); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress: %v", err)
	}

	got, err := decodeDatagram(buf.Bytes(), CharsetUTF8)
	if err != nil {
		t.Fatalf("decodeDatagram: %v", err)
	}
	if got != "t1 300 PONG" {
		t.Fatalf("decodeDatagram = %q", got)
	}
}

func TestDatagramUTF16RoundTrip(t *testing.T) {
	t.Parallel()

	b, err := encodeDatagram("t2 220 FILE\nÄnime", CharsetUTF16)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) < 4 || b[1] != 0 {
		t.Fatalf("expected little-endian UTF-16, got % x", b[:4])
	}
	got, err := decodeDatagram(b, CharsetUTF16)
	if err != nil || got != "t2 220 FILE\nÄnime" {
		t.Fatalf("decode = %q, %v", got, err)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	if !IsRetryable(&TransportError{Op: "receive", Err: ErrTimeout}) {
		t.Fatalf("timeouts should be retryable")
	}
	if !IsRetryable(&ThrottledError{}) {
		t.Fatalf("throttling should be retryable")
	}
	if IsRetryable(unexpected(CodeLoginFailed, "500 LOGIN FAILED")) {
		t.Fatalf("login failure should not be retryable")
	}
	wrapped := errors.Join(errors.New("ctx"), unexpected(CodeInvalidSession, "506 INVALID SESSION"))
	if !IsSessionError(wrapped) {
		t.Fatalf("wrapped invalid session not detected")
	}
}
