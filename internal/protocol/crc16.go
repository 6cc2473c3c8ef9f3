package protocol

// crcTable is the lookup table for the reflected CRC-16 polynomial 0xA001
// (CRC-16/ARC). The logger firmware validates OTA frames with the same
// table, so the parameters here are fixed.
var crcTable = makeCRCTable(0xA001)

func makeCRCTable(poly uint16) [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ poly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}

// Checksum computes the CRC-16/ARC of data: reflected, polynomial 0xA001,
// initial value 0, no final XOR.
func Checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc
}
