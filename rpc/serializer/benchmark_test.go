package serializer

import (
	"testing"

	"github.com/ValentinKolb/dRep/rpc/common"
)

// benchmarkMessages returns payloads of typical sizes
func benchmarkMessages() map[string]common.Message {
	return map[string]common.Message{
		"ChangeID": *common.NewChangeIDRequest(123456),
		"Info":     *common.NewInfo(3, 128, 1, 1001, 1000, 990),
		"Change":   *common.NewChange(make([]byte, 256)),
		"Chunk":    *common.NewFullPart(0, 1<<20, make([]byte, 64*1024), true),
		"Connect": *common.NewConnectRequest(common.HandshakeInfo{
			FromID: 1, ToID: 2, Secret: make([]byte, 32), Version: "1.0.0", MinVersion: "1.0.0",
			NextChangeID: 10, CCID: 9, SCID: 9, Status: 128, Port: 9220,
		}),
	}
}

func BenchmarkSerialize(b *testing.B) {
	for name, factory := range testSerializers {
		s := factory()
		for msgName, msg := range benchmarkMessages() {
			b.Run(name+"/"+msgName, func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					if _, err := s.Serialize(msg); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkDeserialize(b *testing.B) {
	for name, factory := range testSerializers {
		s := factory()
		for msgName, msg := range benchmarkMessages() {
			data, err := s.Serialize(msg)
			if err != nil {
				b.Fatal(err)
			}
			b.Run(name+"/"+msgName, func(b *testing.B) {
				b.ReportAllocs()
				var out common.Message
				for i := 0; i < b.N; i++ {
					if err := s.Deserialize(data, &out); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
