package pelco

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/rotator"
)

// fakeLink replays canned reads and records writes.
type fakeLink struct {
	reads   [][]byte
	sent    [][]byte
	sendErr error
}

func (f *fakeLink) Connect() error { return nil }
func (f *fakeLink) Close() error   { return nil }

func (f *fakeLink) Send(p []byte) error {
	f.sent = append(f.sent, append([]byte(nil), p...))
	return f.sendErr
}

func (f *fakeLink) Recv(max int, timeout time.Duration) ([]byte, error) {
	if len(f.reads) == 0 {
		return nil, nil
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	return r, nil
}

func newDevice(t *testing.T, link *fakeLink, c config.AngleCorrection) *Device {
	t.Helper()
	d, err := New(link, DefaultAddress, c, t.Logf)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return d
}

func TestEncode(t *testing.T) {
	for _, test := range []struct {
		name string
		got  []byte
		want []byte
	}{
		{"stop", Encode(1, 0, MoveStop, 0, 0), []byte{0xFF, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01}},
		{"query pan", Encode(1, 0, QueryPan, 0, 0), []byte{0xFF, 0x01, 0x00, 0x51, 0x00, 0x00, 0x52}},
		{"set pan 180", Encode(1, 0, SetPan, 0x46, 0x50), []byte{0xFF, 0x01, 0x00, 0x4B, 0x46, 0x50, 0xE2}},
		{"overflow", Encode(0xFF, 0xFF, 0xFF, 0xFF, 0xFF), []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFB}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if diff := cmp.Diff(test.got, test.want); diff != "" {
				t.Errorf("unexpected frame: got(-)/want(+):\n%s", diff)
			}
			if !Validate(test.got) {
				t.Errorf("Validate(% x) = false", test.got)
			}
		})
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	for _, b := range []byte{0x00, 0x01, 0x3F, 0x80, 0xAB, 0xFF} {
		frame := Encode(b, b^0x55, b+1, b*3, ^b)
		if !Validate(frame) {
			t.Errorf("Validate(Encode(...)) failed for % x", frame)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	good := Encode(1, 0, 0x59, 0x46, 0x50)
	corrupt := append([]byte(nil), good...)
	corrupt[5] ^= 0x01
	badStart := append([]byte(nil), good...)
	badStart[0] = 0xFE
	for _, test := range []struct {
		name  string
		frame []byte
		want  error
	}{
		{"short", good[:6], ErrFrameLength},
		{"long", append(append([]byte(nil), good...), 0), ErrFrameLength},
		{"checksum", corrupt, ErrChecksum},
		{"start byte", badStart, ErrStartByte},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Decode(test.frame); !errors.Is(err, test.want) {
				t.Errorf("Decode() = %v, want %v", err, test.want)
			}
			if Validate(test.frame) {
				t.Error("Validate() = true")
			}
		})
	}
	p, err := Decode(good)
	if err != nil {
		t.Fatal(err)
	}
	if p.Value() != 18000 {
		t.Errorf("Value() = %d, want 18000", p.Value())
	}
}

func TestQueryAngle(t *testing.T) {
	query := Encode(1, 0, QueryPan, 0, 0)
	reply := Encode(1, 0, 0x59, 0x46, 0x50) // 180.00
	corrupt := append([]byte(nil), reply...)
	corrupt[6]++

	for _, test := range []struct {
		name  string
		reads [][]byte
		want  float64
		err   error
	}{
		{"direct", [][]byte{nil, reply}, 180, nil},
		{"echo then reply", [][]byte{nil, query, reply}, 180, nil},
		{"corrupt then reply", [][]byte{nil, corrupt, reply}, 180, nil},
		{"stale bytes flushed", [][]byte{{0x01, 0x02}, {0x03}, nil, reply}, 180, nil},
		{"retries exhausted", [][]byte{nil, query, corrupt, nil, reply}, 0, ErrNoResponse},
		{"silence", nil, 0, ErrNoResponse},
	} {
		t.Run(test.name, func(t *testing.T) {
			link := &fakeLink{reads: test.reads}
			d := newDevice(t, link, config.AngleCorrection{MaxElevation: 90})
			got, err := d.QueryAngle(rotator.Azimuth)
			if !errors.Is(err, test.err) {
				t.Fatalf("QueryAngle() error = %v, want %v", err, test.err)
			}
			if got != test.want {
				t.Errorf("QueryAngle() = %v, want %v", got, test.want)
			}
			if diff := cmp.Diff(link.sent, [][]byte{query}); diff != "" {
				t.Errorf("unexpected frames sent: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestQueryAngleFlushBounded(t *testing.T) {
	var reads [][]byte
	for i := 0; i < 20; i++ {
		reads = append(reads, []byte{0xAA})
	}
	link := &fakeLink{reads: reads}
	d := newDevice(t, link, config.AngleCorrection{MaxElevation: 90})
	if _, err := d.QueryAngle(rotator.Azimuth); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("QueryAngle() = %v, want ErrNoResponse", err)
	}
	// 10 flush reads and 3 reply attempts.
	if len(link.reads) != 7 {
		t.Errorf("%d reads left, want 7", len(link.reads))
	}
}

func TestQueryAngleSendFailure(t *testing.T) {
	link := &fakeLink{sendErr: errors.New("unplugged")}
	d := newDevice(t, link, config.AngleCorrection{MaxElevation: 90})
	if _, err := d.QueryAngle(rotator.Elevation); err == nil {
		t.Error("QueryAngle() succeeded with failing transport")
	}
}

func TestAzimuthCorrection(t *testing.T) {
	c := config.AngleCorrection{MaxElevation: 90, AzimuthOffset: 10, InitialAzimuth: 5}
	link := &fakeLink{reads: [][]byte{nil, Encode(1, 0, 0x59, 0x8A, 0xC0)}} // 355.20
	d := newDevice(t, link, c)
	got, err := d.QueryAngle(rotator.Azimuth)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-10.2) > 1e-9 {
		t.Errorf("QueryAngle() = %v, want 10.2", got)
	}
	for _, angle := range []float64{0, 10.2, 90, 359.99} {
		wire, err := d.toWire(angle, rotator.Azimuth)
		if err != nil {
			t.Fatal(err)
		}
		if back := d.fromWire(wire, rotator.Azimuth); math.Abs(back-angle) > 0.01 {
			t.Errorf("azimuth %v -> wire %v -> %v", angle, wire, back)
		}
	}
}

func TestElevationMapping(t *testing.T) {
	d := newDevice(t, &fakeLink{}, config.AngleCorrection{MinElevation: -10, MaxElevation: 90})
	for _, test := range []struct {
		angle, wire float64
	}{
		{5, 355},
		{20, 10},
		{10, 0},
		{-5, 345},
		{90, 80},
	} {
		wire, err := d.toWire(test.angle, rotator.Elevation)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(wire-test.wire) > 1e-9 {
			t.Errorf("toWire(%v) = %v, want %v", test.angle, wire, test.wire)
		}
		if back := d.fromWire(wire, rotator.Elevation); math.Abs(back-test.angle) > 0.01 {
			t.Errorf("fromWire(%v) = %v, want %v", wire, back, test.angle)
		}
	}
}

func TestSetAngle(t *testing.T) {
	for _, test := range []struct {
		name  string
		angle float64
		axis  rotator.Axis
		want  []byte
		err   error
	}{
		{"azimuth", 180, rotator.Azimuth, Encode(1, 0, SetPan, 0x46, 0x50), nil},
		{"azimuth wraps", 400, rotator.Azimuth, Encode(1, 0, SetPan, 0x0F, 0xA0), nil},
		{"azimuth fraction", 12.34, rotator.Azimuth, Encode(1, 0, SetPan, 0x04, 0xD2), nil},
		{"negative azimuth", -1, rotator.Azimuth, nil, ErrNegativeAzimuth},
		{"elevation", 45, rotator.Elevation, Encode(1, 0, SetTilt, 0x11, 0x94), nil},
	} {
		t.Run(test.name, func(t *testing.T) {
			link := &fakeLink{}
			d := newDevice(t, link, config.AngleCorrection{MaxElevation: 90})
			err := d.SetAngle(test.angle, test.axis)
			if !errors.Is(err, test.err) {
				t.Fatalf("SetAngle() = %v, want %v", err, test.err)
			}
			var want [][]byte
			if test.want != nil {
				want = [][]byte{test.want}
			}
			if diff := cmp.Diff(link.sent, want); diff != "" {
				t.Errorf("unexpected frames: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestMove(t *testing.T) {
	for _, test := range []struct {
		dir  rotator.Direction
		want []byte
	}{
		{rotator.Stop, Encode(1, 0, 0x00, 0x00, 0x00)},
		{rotator.Right, Encode(1, 0, 0x02, 0x20, 0x20)},
		{rotator.Left, Encode(1, 0, 0x04, 0x20, 0x20)},
		{rotator.Up, Encode(1, 0, 0x08, 0x20, 0x20)},
		{rotator.Down, Encode(1, 0, 0x10, 0x20, 0x20)},
	} {
		t.Run(string(test.dir), func(t *testing.T) {
			link := &fakeLink{}
			d := newDevice(t, link, config.AngleCorrection{MaxElevation: 90})
			if err := d.Move(test.dir); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(link.sent, [][]byte{test.want}); diff != "" {
				t.Errorf("unexpected frames: got(-)/want(+):\n%s", diff)
			}
		})
	}
	d := newDevice(t, &fakeLink{}, config.AngleCorrection{MaxElevation: 90})
	if err := d.Move("sideways"); err == nil {
		t.Error("Move(sideways) succeeded")
	}
}

func TestNewRejectsInvertedElevation(t *testing.T) {
	var cerr *config.Error
	if _, err := New(&fakeLink{}, 1, config.AngleCorrection{MinElevation: 10, MaxElevation: 0}, nil); !errors.As(err, &cerr) {
		t.Errorf("New() = %v, want *config.Error", err)
	}
}
