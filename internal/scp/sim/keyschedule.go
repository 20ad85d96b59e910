// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

// AES-128 key schedule, required to model rkey10 and decryption from a last
// round key as crypto/aes does not expose round keys.

var sbox [256]byte

var rcon = [11]byte{0x00, 0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80, 0x1b, 0x36}

func rotl8(x byte, n uint) byte {
	return x<<n | x>>(8-n)
}

func init() {
	p, q := byte(1), byte(1)

	for {
		// p * 3 in GF(2^8)
		if p&0x80 != 0 {
			p = p ^ p<<1 ^ 0x1b
		} else {
			p = p ^ p<<1
		}

		// q / 3 in GF(2^8)
		q ^= q << 1
		q ^= q << 2
		q ^= q << 4

		if q&0x80 != 0 {
			q ^= 0x09
		}

		sbox[p] = q ^ rotl8(q, 1) ^ rotl8(q, 2) ^ rotl8(q, 3) ^ rotl8(q, 4) ^ 0x63

		if p == 1 {
			break
		}
	}

	sbox[0] = 0x63
}

// schedule returns the value XORed into w[i-4] to obtain w[i].
func schedule(prev [4]byte, i int) [4]byte {
	if i%4 != 0 {
		return prev
	}

	return [4]byte{
		sbox[prev[1]] ^ rcon[i/4],
		sbox[prev[2]],
		sbox[prev[3]],
		sbox[prev[0]],
	}
}

func words(key [16]byte) (w [4][4]byte) {
	for i := range w {
		copy(w[i][:], key[i*4:])
	}

	return
}

func block(w [4][4]byte) (key [16]byte) {
	for i := range w {
		copy(key[i*4:], w[i][:])
	}

	return
}

// lastRoundKey returns round key 10 of the AES-128 key schedule.
func lastRoundKey(key [16]byte) [16]byte {
	var w [44][4]byte

	k := words(key)
	copy(w[:4], k[:])

	for i := 4; i < len(w); i++ {
		t := schedule(w[i-1], i)

		for j := range t {
			w[i][j] = w[i-4][j] ^ t[j]
		}
	}

	return block([4][4]byte(w[40:44]))
}

// firstRoundKey inverts the key schedule from round key 10.
func firstRoundKey(rk10 [16]byte) [16]byte {
	var w [44][4]byte

	k := words(rk10)
	copy(w[40:], k[:])

	for i := 39; i >= 0; i-- {
		t := schedule(w[i+3], i+4)

		for j := range t {
			w[i][j] = w[i+4][j] ^ t[j]
		}
	}

	return block([4][4]byte(w[0:4]))
}
