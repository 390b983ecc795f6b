package license

import "strings"

// MaskLicenseKey hides all but the leading part of a key for logs
// (ABCD-EFGH-****-****, or ABCDEFGH**** for undashed keys).
func MaskLicenseKey(key string) string {
	if len(key) < 6 {
		return "****"
	}

	if strings.Contains(key, "-") {
		parts := strings.Split(key, "-")
		if len(parts) > 2 {
			masked := parts[0] + "-" + parts[1]
			for i := 2; i < len(parts); i++ {
				masked += "-****"
			}
			return masked
		}
	}

	keep := len(key) / 2
	if keep > 8 {
		keep = 8
	}
	return key[:keep] + "****"
}
