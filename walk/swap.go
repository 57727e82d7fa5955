package walk

// swapElements reverses the byte order of every word-sized unit in b.
func swapElements(b []byte, word int) {
	switch word {
	case 1:
		return
	case 2:
		for i := 0; i+1 < len(b); i += 2 {
			b[i], b[i+1] = b[i+1], b[i]
		}
	case 4:
		for i := 0; i+3 < len(b); i += 4 {
			b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
		}
	case 8:
		for i := 0; i+7 < len(b); i += 8 {
			b[i], b[i+7] = b[i+7], b[i]
			b[i+1], b[i+6] = b[i+6], b[i+1]
			b[i+2], b[i+5] = b[i+5], b[i+2]
			b[i+3], b[i+4] = b[i+4], b[i+3]
		}
	default:
		for i := 0; i+word <= len(b); i += word {
			w := b[i : i+word]
			for l, r := 0, word-1; l < r; l, r = l+1, r-1 {
				w[l], w[r] = w[r], w[l]
			}
		}
	}
}
