package qmf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.qmf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, []byte(`{"architecture":"flux"}`)); err != nil {
		t.Fatalf("write model info: %v", err)
	}
	if err := w.WriteSection(SectionTensorData, 1, []byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("write tensor data: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close writer file: %v", err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()

	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	qf, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() {
		if cerr := qf.Close(); cerr != nil {
			t.Fatalf("close qmf file: %v", cerr)
		}
	}()

	if qf.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if qf.Header == nil {
		t.Fatalf("missing header")
	}
	if qf.Header.HeaderSize != headerSize {
		t.Fatalf("header size mismatch: got %d want %d", qf.Header.HeaderSize, headerSize)
	}

	sec := qf.Section(SectionModelInfo)
	if sec == nil {
		t.Fatalf("missing model info section")
	}
	got := qf.SectionData(sec)
	if !bytes.Equal(got, []byte(`{"architecture":"flux"}`)) {
		t.Fatalf("model info mismatch: got %q", string(got))
	}
}

func TestOpenMmapRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.qmf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		t.Fatalf("begin section: %v", err)
	}
	if err := sw.Align(64); err != nil {
		t.Fatalf("align: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 128)
	if _, err := sw.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := sw.End(); err != nil {
		t.Fatalf("end section: %v", err)
	}
	if err := w.AddFlags(FlagTensorDataAligned64); err != nil {
		t.Fatalf("add flags: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	qf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = qf.Close() }()

	if qf.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatalf("aligned flag not persisted")
	}
	sec := qf.Section(SectionTensorData)
	if sec == nil {
		t.Fatalf("missing tensor data section")
	}
	data := qf.SectionData(sec)
	if !bytes.HasSuffix(data, payload) {
		t.Fatalf("tensor data payload mismatch: %d bytes", len(data))
	}
}

func TestWriterRejectsDuplicateSections(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dup.qmf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, []byte("a")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, []byte("b")); err == nil {
		t.Fatalf("expected duplicate section error")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.qmf")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, 256), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected error opening garbage file")
	}
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := Header{
		Magic:            [4]byte{'Q', 'M', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       headerSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [headerSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if hdrRaw[16] != 0x08 || hdrRaw[23] != 0x01 {
		t.Fatalf("section dir offset is not little-endian: %x", hdrRaw[16:24])
	}
	decodedH, ok := decodeHeader(hdrRaw[:])
	if !ok {
		t.Fatalf("decode header failed")
	}
	if decodedH != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decodedH, h)
	}

	s := Section{
		Type:    0x11223344,
		Version: 0x55667788,
		Offset:  0x0102030405060708,
		Size:    0x1112131415161718,
	}
	var secRaw [sectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	decodedS, ok := decodeSection(secRaw[:])
	if !ok {
		t.Fatalf("decode section failed")
	}
	if decodedS != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", decodedS, s)
	}
}
