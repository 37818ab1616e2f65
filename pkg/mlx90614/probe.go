// MLX90614 infrared thermometer support
//
// Chip identification from the EEPROM ID words.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mlx90614

import "klipper-irtemp/pkg/bus"

// Probe reads the four EEPROM ID words of the chip at addr and returns them
// as one 64-bit identifier, first word most significant.
func Probe(b bus.RegisterBus, addr uint8, checkPEC bool) (uint64, error) {
	var id uint64
	for i := byte(0); i < 4; i++ {
		word, err := readWord(b, addr, RegID0+i, checkPEC)
		if err != nil {
			return 0, err
		}
		id = id<<16 | uint64(word)
	}
	return id, nil
}
