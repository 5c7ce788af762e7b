package serial

// CRC8 over the bus packet, polynomial x^8 + x^5 + x^4 + 1 (reflected,
// initial value 0). The checksum runs over all packet bytes except the CRC
// itself; re-running it over payload plus CRC must evaluate to zero.

const crc8Poly = 0x8C

// crc8Table is the 256-entry lookup table, built once at package init.
var crc8Table [256]uint8

func init() {
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crc8Poly
			} else {
				crc >>= 1
			}
		}
		crc8Table[i] = crc
	}
}

// crc8Update folds one byte into the running checksum.
func crc8Update(crc, b uint8) uint8 {
	return crc8Table[crc^b]
}

// CRC8 computes the checksum of data.
func CRC8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = crc8Update(crc, b)
	}

	return crc
}
