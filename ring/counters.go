package ring

import "fmt"

// RxCounters contains receive queue soft counters.
type RxCounters struct {
	Packets uint64 `json:"packets"` // packets delivered to the caller
	Octets  uint64 `json:"octets"`  // octets in delivered packets
	Dropped uint64 `json:"dropped"` // completions discarded due to errors
	Nombuf  uint64 `json:"nombuf"`  // completions discarded for lack of buffers
}

func (cnt RxCounters) String() string {
	return fmt.Sprintf("%dpkts %doctets %ddropped %dnombuf",
		cnt.Packets, cnt.Octets, cnt.Dropped, cnt.Nombuf)
}

// TxCounters contains transmit queue soft counters.
type TxCounters struct {
	Packets uint64 `json:"packets"` // packets accepted by hardware
	Octets  uint64 `json:"octets"`  // octets in accepted packets
	Dropped uint64 `json:"dropped"` // packets discarded before posting
}

func (cnt TxCounters) String() string {
	return fmt.Sprintf("%dpkts %doctets %ddropped",
		cnt.Packets, cnt.Octets, cnt.Dropped)
}
