// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package serial

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type fakePort struct {
	calls   []string
	reads   [][]byte
	readErr error
	timeout time.Duration
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.reads) == 0 {
		return 0, nil
	}
	n := copy(b, p.reads[0])
	if n < len(p.reads[0]) {
		p.reads[0] = p.reads[0][n:]
	} else {
		p.reads = p.reads[1:]
	}
	return n, nil
}

func (p *fakePort) SetDTR(dtr bool) error {
	if dtr {
		p.calls = append(p.calls, "dtr-on")
	} else {
		p.calls = append(p.calls, "dtr-off")
	}
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.calls = append(p.calls, "flush")
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.calls = append(p.calls, "timeout")
	p.timeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestReader(t *testing.T) {
	Convey("Given a new Context and a fake port", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		p := &fakePort{}
		r := newReader(p, Config{ReadTimeout: 50 * time.Millisecond}, ctx)
		var slept time.Duration
		r.sleep = func(d time.Duration) { slept = d }

		Convey("When resetting the line", func() {
			err := r.reset(time.Second)
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("DTR should be toggled around the flush before switching to the short timeout", func() {
				So(p.calls, ShouldResemble, []string{"dtr-off", "flush", "dtr-on", "timeout"})
				So(slept, ShouldEqual, time.Second)
				So(p.timeout, ShouldEqual, 50*time.Millisecond)
			})
		})

		Convey("When nothing arrives", func() {
			_, err := r.ReadLine()
			Convey("There should be a timeout", func() {
				So(err, ShouldEqual, ErrTimeout)
			})
		})

		Convey("When a line arrives in pieces", func() {
			p.reads = [][]byte{[]byte("#2,45,"), []byte("60.2,0\r\n#1,1\n")}
			_, err := r.ReadLine()
			So(err, ShouldEqual, ErrTimeout)
			first, err := r.ReadLine()
			So(err, ShouldBeNil)
			second, err := r.ReadLine()
			So(err, ShouldBeNil)
			Convey("The lines should be returned without line endings", func() {
				So(string(first), ShouldEqual, "#2,45,60.2,0")
				So(string(second), ShouldEqual, "#1,1")
			})
		})

		Convey("When a line is too long", func() {
			p.reads = [][]byte{bytes.Repeat([]byte("x"), 64), bytes.Repeat([]byte("x"), 64), bytes.Repeat([]byte("x"), 64), bytes.Repeat([]byte("x"), 64), bytes.Repeat([]byte("x"), 64)}
			for i := 0; i < 5; i++ {
				r.ReadLine()
			}
			Convey("The buffer should have been discarded", func() {
				So(len(r.buf), ShouldBeLessThanOrEqualTo, MaxLineLength)
			})
		})

		Convey("When the port fails", func() {
			p.readErr = errors.New("unplugged")
			_, err := r.ReadLine()
			Convey("The error should be returned", func() {
				So(err, ShouldNotBeNil)
				So(errors.Is(err, p.readErr), ShouldBeTrue)
			})
		})

		Convey("When closing the reader", func() {
			r.Close()
			Convey("The port should be closed", func() {
				So(p.closed, ShouldBeTrue)
			})
		})
	})
}
