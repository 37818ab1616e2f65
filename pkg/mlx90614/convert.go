// MLX90614 infrared thermometer support
//
// Conversion and SMBus framing helpers.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mlx90614

// Linear transfer function: raw words are hundredths of a kelvin.
const (
	Scale        = 0.02
	KelvinOffset = 273.15
)

// SMBus command codes. RAM registers are read directly; EEPROM cells are
// addressed with 0x20 OR'ed in.
const (
	RegAmbient byte = 0x06
	RegObject1 byte = 0x07
	RegObject2 byte = 0x08

	eepromAccess byte = 0x20
	RegID0       byte = eepromAccess | 0x1C
)

// errorFlag is set by the chip in a RAM temperature word when the
// measurement is invalid.
const errorFlag = 0x8000

// RawToCelsius converts a raw temperature word to degrees Celsius. It is
// total over the 16-bit domain.
func RawToCelsius(word uint16) float64 {
	return float64(word)*Scale - KelvinOffset
}

// DecodeWord assembles an SMBus word, sent least significant byte first.
func DecodeWord(lsb, msb byte) uint16 {
	return uint16(lsb) | uint16(msb)<<8
}

// PEC computes the SMBus packet error code, a CRC-8 with polynomial
// x^8+x^2+x+1 and zero initial value.
func PEC(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
