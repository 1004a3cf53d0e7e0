package core

import "fmt"

// Byte size units.
const (
	BytesPerKB int64 = 1024
	BytesPerMB       = 1024 * BytesPerKB
	BytesPerGB       = 1024 * BytesPerMB
	BytesPerTB       = 1024 * BytesPerGB
)

// FormatBytes renders a byte count with binary units, e.g. "23.4 GB".
// Negative values render as "unknown".
func FormatBytes(n int64) string {
	switch {
	case n < 0:
		return "unknown"
	case n >= BytesPerTB:
		return fmt.Sprintf("%.2f TB", float64(n)/float64(BytesPerTB))
	case n >= BytesPerGB:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(BytesPerGB))
	case n >= BytesPerMB:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(BytesPerMB))
	case n >= BytesPerKB:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(BytesPerKB))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
