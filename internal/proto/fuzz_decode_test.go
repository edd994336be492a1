package proto

import (
	"bytes"
	"testing"

	"peerchat/internal/testutil"
)

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrame(bytes.NewReader(data))
		})
	})
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"type":"introduction","username":"alice","address":"addr-a"}`))
	f.Add([]byte(`{"type":"message","from":"alice","content":"hi","timestamp":"2026-01-01T00:00:00Z"}`))
	f.Add([]byte(`{"type":"message","from":"alice","timestamp":"2026-01-01T00:00:00Z","attachment":{"name":"a","mimeType":"b","sizeBytes":1,"payload":"data:;base64,AA=="}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			frame, err := Decode(data)
			if err != nil {
				return
			}
			switch m := frame.(type) {
			case Introduction:
				_, _ = EncodeIntroduction(m)
			case ChatFrame:
				_, _ = EncodeChatFrame(m)
			}
		})
	})
}
