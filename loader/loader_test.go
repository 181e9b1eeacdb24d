package loader

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/alkvm-lang/alkvm/vm"
)

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// validFH builds a well-formed FH record for a zero-arg, zero-register
// function named "main".
func validFH() []byte {
	name := []byte("main")
	body := append(u16(uint16(len(name))), name...)
	body = append(body, u32(0)...) // paramCount
	body = append(body, u32(0)...) // regCount
	out := append([]byte(tagFH), u32(uint32(len(body)))...)
	return append(out, body...)
}

// emptyCP builds a CP record with zero constant entries.
func emptyCP() []byte {
	body := u32(0)
	out := append([]byte(tagCP), u32(uint32(len(body)))...)
	return append(out, body...)
}

// emptyCD builds a CD record with zero instruction words.
func emptyCD() []byte {
	out := append([]byte(tagCD), u32(0)...)
	return out
}

func validModule() []byte {
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, []byte(tagFN)...)
	buf = append(buf, u32(1)...) // function count
	buf = append(buf, validFH()...)
	buf = append(buf, emptyCP()...)
	buf = append(buf, emptyCD()...)
	return buf
}

func TestLoadValidModule(t *testing.T) {
	heap := vm.NewHeap()
	mod, err := Load(validModule(), heap)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if len(mod.Functions) != 1 {
		t.Fatalf("Functions: got %d, want 1", len(mod.Functions))
	}
	fn := mod.Functions[0]
	if fn.Name != "main" || fn.ParameterCount != 0 || fn.RegisterCount != 0 {
		t.Fatalf("unexpected function: %+v", fn)
	}
}

func TestLoadBadMagic(t *testing.T) {
	data := validModule()
	data[0] = 'X'
	heap := vm.NewHeap()
	_, err := Load(data, heap)
	assertLoadError(t, err, "bad magic")
}

func TestLoadTruncatedMagic(t *testing.T) {
	heap := vm.NewHeap()
	_, err := Load([]byte("AL"), heap)
	assertLoadError(t, err, "reading magic")
}

func TestLoadUnsupportedVersion(t *testing.T) {
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, u16(99)...)
	heap := vm.NewHeap()
	_, err := Load(buf, heap)
	assertLoadError(t, err, "unsupported version")
}

func TestLoadUnknownSectionTag(t *testing.T) {
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, []byte("ZZ")...)
	heap := vm.NewHeap()
	_, err := Load(buf, heap)
	assertLoadError(t, err, "unknown section tag")
}

func TestLoadFHSizeMismatch(t *testing.T) {
	// Corrupt the FH record's declared size field so it no longer
	// matches 2+namelen+4+4, without touching the body bytes.
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, []byte(tagFN)...)
	buf = append(buf, u32(1)...)

	fh := validFH()
	sizeOff := len(tagFH)
	binary.BigEndian.PutUint32(fh[sizeOff:sizeOff+4], 999)
	buf = append(buf, fh...)
	buf = append(buf, emptyCP()...)
	buf = append(buf, emptyCD()...)

	heap := vm.NewHeap()
	_, err := Load(buf, heap)
	assertLoadError(t, err, "FH size")
}

func TestLoadFHWrongTag(t *testing.T) {
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, []byte(tagFN)...)
	buf = append(buf, u32(1)...)

	bad := append([]byte("XX"), validFH()[len(tagFH):]...)
	buf = append(buf, bad...)

	heap := vm.NewHeap()
	_, err := Load(buf, heap)
	assertLoadError(t, err, "expected FH tag")
}

func TestLoadCDSizeNotMultipleOf4(t *testing.T) {
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, []byte(tagFN)...)
	buf = append(buf, u32(1)...)
	buf = append(buf, validFH()...)
	buf = append(buf, emptyCP()...)
	buf = append(buf, []byte(tagCD)...)
	buf = append(buf, u32(3)...) // not a multiple of 4

	heap := vm.NewHeap()
	_, err := Load(buf, heap)
	assertLoadError(t, err, "not a multiple of 4")
}

func TestLoadCPSizeMismatch(t *testing.T) {
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, []byte(tagFN)...)
	buf = append(buf, u32(1)...)
	buf = append(buf, validFH()...)
	buf = append(buf, []byte(tagCP)...)
	buf = append(buf, u32(100)...) // declared size doesn't match 0 entries
	buf = append(buf, u32(0)...)   // entryCount = 0

	heap := vm.NewHeap()
	_, err := Load(buf, heap)
	assertLoadError(t, err, "CP size")
}

func TestLoadTruncatedLegacyCD(t *testing.T) {
	var buf []byte
	buf = append(buf, []byte(magic)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, []byte(tagCD)...)
	buf = append(buf, 0x01, 0x02, 0x03) // 3 bytes, not a multiple of 4

	heap := vm.NewHeap()
	_, err := Load(buf, heap)
	assertLoadError(t, err, "not a multiple of 4")
}

func assertLoadError(t *testing.T, err error, wantSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Load: got nil error, want one mentioning %q", wantSubstring)
	}
	loadErr, ok := err.(*vm.LoadError)
	if !ok {
		t.Fatalf("Load: error %v is not a *vm.LoadError", err)
	}
	if got := loadErr.Error(); !strings.Contains(got, wantSubstring) {
		t.Fatalf("Load error %q does not mention %q", got, wantSubstring)
	}
}
