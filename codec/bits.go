package codec

import "go.einride.tech/can"

func mask(bitLen uint) uint64 {
	if bitLen >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLen) - 1
}

// packLE and packBE view the 8 data bytes as one integer. For packLE,
// payload bit n (Intel numbering) is integer bit n. For packBE, payload bit
// n (MSB-first numbering) is integer bit 63-n.
func packLE(d *can.Data) uint64 {
	var p uint64
	for i := 0; i < len(d); i++ {
		p |= uint64(d[i]) << (8 * i)
	}
	return p
}

func packBE(d *can.Data) uint64 {
	var p uint64
	for i := 0; i < len(d); i++ {
		p |= uint64(d[i]) << (8 * (7 - i))
	}
	return p
}

func unpackLE(p uint64, d *can.Data) {
	for i := 0; i < len(d); i++ {
		d[i] = byte(p >> (8 * i))
	}
}

func unpackBE(p uint64, d *can.Data) {
	for i := 0; i < len(d); i++ {
		d[i] = byte(p >> (8 * (7 - i)))
	}
}

func getBitsLE(payload uint64, start, bitLen uint) uint64 {
	return (payload >> start) & mask(bitLen)
}

func setBitsLE(payload uint64, start, bitLen uint, value uint64) uint64 {
	m := mask(bitLen)
	payload &^= m << start
	payload |= (value & m) << start
	return payload
}

// The BE helpers address bits [start, start+bitLen) counted from the MSB.
func getBitsBE(payload uint64, start, bitLen uint) uint64 {
	return (payload >> (64 - start - bitLen)) & mask(bitLen)
}

func setBitsBE(payload uint64, start, bitLen uint, value uint64) uint64 {
	shift := 64 - start - bitLen
	m := mask(bitLen)
	payload &^= m << shift
	payload |= (value & m) << shift
	return payload
}

func signExtend(u uint64, bitLen uint) int64 {
	if bitLen >= 64 {
		return int64(u)
	}
	signBit := uint64(1) << (bitLen - 1)
	if u&signBit == 0 {
		return int64(u)
	}
	return int64(u | ^mask(bitLen))
}
