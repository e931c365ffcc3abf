package exporter

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/Uberschutz/UberSniff/internal/types"
)

var testCreds = Credentials{UserID: "u1", Token: "t0k", Service: "kids"}

func testJob() Job {
	a := types.NewDataBatch()
	a.Images["http://a.com/logo.png"] = 2
	a.Texts["Hello World"] = 3
	a.Texts["About"] = 1

	b := types.NewDataBatch()
	b.Texts["news"] = 1

	return Job{
		ID:        "job-1",
		Batches:   types.DataBatches{"http://b.com": b, "http://a.com": a},
		CreatedAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestFormEncoder(t *testing.T) {
	p, err := FormEncoder{Creds: testCreds}.Encode(testJob())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	want := "userId=u1&token=t0k&service=kids" +
		"&dataBatches[0][urlSrc]=http://a.com" +
		"&dataBatches[0][images][0][content]=http://a.com/logo.png&dataBatches[0][images][0][nb]=2" +
		"&dataBatches[0][texts][0][content]=About&dataBatches[0][texts][0][nb]=1" +
		"&dataBatches[0][texts][1][content]=Hello World&dataBatches[0][texts][1][nb]=3" +
		"&dataBatches[1][urlSrc]=http://b.com" +
		"&dataBatches[1][texts][0][content]=news&dataBatches[1][texts][0][nb]=1"
	if string(p.Body) != want {
		t.Errorf("unexpected body:\n got %s\nwant %s", p.Body, want)
	}
	if p.ContentType != ContentTypeForm || p.JobID != "job-1" {
		t.Errorf("unexpected payload metadata %+v", p)
	}
}

func TestFormEncoderNoBatches(t *testing.T) {
	p, err := FormEncoder{Creds: testCreds}.Encode(Job{Batches: types.DataBatches{}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(p.Body) != "userId=u1&token=t0k&service=kids" {
		t.Errorf("unexpected body %s", p.Body)
	}
}

func TestJSONEncoder(t *testing.T) {
	p, err := JSONEncoder{Creds: testCreds}.Encode(testJob())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !gjson.ValidBytes(p.Body) {
		t.Fatalf("invalid json: %s", p.Body)
	}

	checks := map[string]string{
		"userId":                           "u1",
		"token":                            "t0k",
		"service":                          "kids",
		"jobId":                            "job-1",
		"createdAt":                        "2024-05-06T07:08:09Z",
		"dataBatches.0.urlSrc":             "http://a.com",
		"dataBatches.0.images.0.content":   "http://a.com/logo.png",
		"dataBatches.0.images.0.nb":        "2",
		"dataBatches.0.texts.1.content":    "Hello World",
		"dataBatches.1.urlSrc":             "http://b.com",
		"dataBatches.1.images.#":           "0",
		"dataBatches.#":                    "2",
	}
	for path, want := range checks {
		if got := gjson.GetBytes(p.Body, path).String(); got != want {
			t.Errorf("%s: expected %q, got %q", path, want, got)
		}
	}
}

func TestJSONLEncoder(t *testing.T) {
	p, err := JSONLEncoder{Service: "kids"}.Encode(testJob())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(p.Body)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per source, got %d", len(lines))
	}
	if got := gjson.Get(lines[0], "urlSrc").String(); got != "http://a.com" {
		t.Errorf("expected first source http://a.com, got %s", got)
	}
	if got := gjson.Get(lines[1], "texts.0.nb").Int(); got != 1 {
		t.Errorf("expected count 1, got %d", got)
	}
	for _, line := range lines {
		if gjson.Get(line, "jobId").String() != "job-1" || gjson.Get(line, "service").String() != "kids" {
			t.Errorf("missing job metadata in %s", line)
		}
		if gjson.Get(line, "token").Exists() {
			t.Errorf("credentials must not be written to storage: %s", line)
		}
	}
}

func TestCompress(t *testing.T) {
	p := Payload{Body: []byte(strings.Repeat("hello ", 100)), ContentType: ContentTypeJSON}
	out, err := Compress(p)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if out.ContentEncoding != "gzip" || out.ContentType != ContentTypeJSON {
		t.Errorf("unexpected metadata %+v", out)
	}

	r, err := gzip.NewReader(bytes.NewReader(out.Body))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(plain, p.Body) {
		t.Errorf("round trip mismatch")
	}
}
