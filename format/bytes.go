// bytes.go - Formatierung von Byte-Groessen fuer Logs und CLI-Ausgaben
//
// Dieses Modul enthaelt:
// - Dezimale (KB, MB, GB) und binaere (KiB, MiB, GiB) Einheiten
// - HumanBytes: dezimale Darstellung (Dateigroessen)
// - HumanBytes2: binaere Darstellung (Geraete- und Staging-Speicher)
package format

import "fmt"

const (
	Byte = 1

	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
	TeraByte = GigaByte * 1000

	KibiByte = Byte * 1024
	MebiByte = KibiByte * 1024
	GibiByte = MebiByte * 1024
)

// HumanBytes formatiert eine Groesse mit dezimalen Einheiten
func HumanBytes(b int64) string {
	var value float64
	var unit string

	switch {
	case b >= TeraByte:
		value, unit = float64(b)/TeraByte, "TB"
	case b >= GigaByte:
		value, unit = float64(b)/GigaByte, "GB"
	case b >= MegaByte:
		value, unit = float64(b)/MegaByte, "MB"
	case b >= KiloByte:
		value, unit = float64(b)/KiloByte, "KB"
	default:
		return fmt.Sprintf("%d B", b)
	}

	// eine Nachkommastelle nur fuer kleine, nicht ganzzahlige Werte
	if value < 10 && value != float64(int(value)) {
		return fmt.Sprintf("%.1f %s", value, unit)
	}
	return fmt.Sprintf("%d %s", int(value), unit)
}

// HumanBytes2 formatiert eine Groesse mit binaeren Einheiten
func HumanBytes2(b uint64) string {
	switch {
	case b >= GibiByte:
		return fmt.Sprintf("%.1f GiB", float64(b)/GibiByte)
	case b >= MebiByte:
		return fmt.Sprintf("%.1f MiB", float64(b)/MebiByte)
	case b >= KibiByte:
		return fmt.Sprintf("%.1f KiB", float64(b)/KibiByte)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
