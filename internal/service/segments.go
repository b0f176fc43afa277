package service

// GSM 03.38 basic character set.
const gsm7Basic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// Extension table characters cost two septets (escape + char).
const gsm7Extended = "|^€{}[]~\\\f"

var (
	gsm7BasicSet    = runeSet(gsm7Basic)
	gsm7ExtendedSet = runeSet(gsm7Extended)
)

func runeSet(s string) map[rune]struct{} {
	m := make(map[rune]struct{})
	for _, r := range s {
		m[r] = struct{}{}
	}
	return m
}

// CountSegments returns how many carrier segments body is billed as.
// GSM-7 bodies fit 160 septets in one segment and 153 per segment after
// that; anything outside GSM-7 is sent as UCS-2 at 70 and 67 characters.
func CountSegments(body string) int {
	septets, gsm := 0, true
	for _, r := range body {
		if _, ok := gsm7BasicSet[r]; ok {
			septets++
			continue
		}
		if _, ok := gsm7ExtendedSet[r]; ok {
			septets += 2
			continue
		}
		gsm = false
		break
	}

	if gsm {
		return segmentsFor(septets, 160, 153)
	}
	// UCS-2 counts UTF-16 code units.
	units := 0
	for _, r := range body {
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	return segmentsFor(units, 70, 67)
}

func segmentsFor(n, single, multi int) int {
	if n <= single {
		return 1
	}
	return (n + multi - 1) / multi
}
