package protocol

// crc16 computes the checksum the Wialon IPS framing uses: polynomial
// 0xA001, initial value 0, XOR-in then right-shift, one bit at a time, over
// the exact bytes that go on the wire.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
