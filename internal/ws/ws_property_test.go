package ws

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
)

// Forwarding a frame between connections keeps its event and payload byte for
// byte, and keeps the sender's order.
func TestForwardPreservesPayloadAndOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("forwarded frames arrive unmodified and in order", prop.ForAll(
		func(chunks []string) bool {
			src := NewConn(nil, zerolog.Nop())
			dst := NewConn(nil, zerolog.Nop())
			defer src.Close()
			defer dst.Close()

			src.On(EventTerminalOutput, func(m *Message) {
				dst.Forward(m)
			})

			for _, chunk := range chunks {
				raw, err := json.Marshal(chunk)
				if err != nil {
					return false
				}
				src.Dispatch(&Message{Event: EventTerminalOutput, Data: raw})
			}

			for _, chunk := range chunks {
				var got Message
				if err := json.Unmarshal(<-dst.SendChan(), &got); err != nil {
					return false
				}
				var data string
				if err := json.Unmarshal(got.Data, &data); err != nil {
					return false
				}
				if got.Event != EventTerminalOutput || data != chunk {
					return false
				}
			}
			return len(dst.SendChan()) == 0
		},
		gen.SliceOfN(50, gen.AnyString()),
	))

	properties.TestingRun(t)
}

// Detached listeners never fire again, whatever subset is detached.
func TestOffDetachesExactlyTheGivenListenersProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("only attached listeners fire", prop.ForAll(
		func(n int, mask uint32) bool {
			c := NewConn(nil, zerolog.Nop())
			defer c.Close()

			fired := make([]int, n)
			ids := make([]ListenerID, n)
			for i := 0; i < n; i++ {
				idx := i
				ids[i] = c.On(EventTerminalInput, func(*Message) { fired[idx]++ })
			}

			var drop []ListenerID
			for i := 0; i < n; i++ {
				if mask&(1<<uint(i)) != 0 {
					drop = append(drop, ids[i])
				}
			}
			c.Off(drop...)

			c.Dispatch(&Message{Event: EventTerminalInput})

			for i := 0; i < n; i++ {
				want := 1
				if mask&(1<<uint(i)) != 0 {
					want = 0
				}
				if fired[i] != want {
					return false
				}
			}
			return c.ListenerCount(EventTerminalInput) == n-len(drop)
		},
		gen.IntRange(1, 16),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
