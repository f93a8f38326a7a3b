// config_features.go - Feature-Flags, Planer- und Simulator-Konfiguration
//
// Dieses Modul enthaelt:
// - JIT-Schalter (Host-Device-Constexpr, Versionspruefung)
// - Speicherplaner- und Staging-Einstellungen
// - Einstellungen des Software-Geraets (sim)
// - GPU-bezogene Environment-Variablen
package envconfig

// =============================================================================
// JIT-Schalter
// =============================================================================

var (
	// NoHostDeviceConstexpr setzt -Xclang -fno-cuda-host-device-constexpr
	NoHostDeviceConstexpr = Bool("GPUGRAPH_NO_HOST_DEVICE_CONSTEXPR")

	// DisableVersionCheck ueberspringt den Vergleich Compiler- gegen Treiberversion
	DisableVersionCheck = Bool("GPUGRAPH_DISABLE_VERSION_CHECK")
)

// =============================================================================
// Speicherplaner und Staging
// =============================================================================

var (
	// Align ist die Ausrichtung der Gewichte im gepackten Geraetepuffer
	// Konfigurierbar via GPUGRAPH_ALIGN
	Align = Uint64("GPUGRAPH_ALIGN", 512)

	// StagingDepth ist die Anzahl gemeinsamer Staging-Puffer fuer wiederholte Groessen
	// Konfigurierbar via GPUGRAPH_STAGING_DEPTH
	StagingDepth = Uint("GPUGRAPH_STAGING_DEPTH", 2)
)

// =============================================================================
// Software-Geraet
// =============================================================================

var (
	// SimDevices ist die Anzahl simulierter Geraete
	SimDevices = Uint("GPUGRAPH_SIM_DEVICES", 1)

	// SimMemory ist der Speicher pro simuliertem Geraet (in Bytes)
	SimMemory = Uint64("GPUGRAPH_SIM_MEMORY", 4<<30)

	// SimGranularity ist die minimale Granularitaet fuer virtuellen Speicher
	SimGranularity = Uint64("GPUGRAPH_SIM_GRANULARITY", 64<<10)
)

// =============================================================================
// GPU-Sichtbarkeits-Variablen
// =============================================================================

var (
	// CudaVisibleDevices steuert sichtbare NVIDIA-Geraete
	CudaVisibleDevices = String("CUDA_VISIBLE_DEVICES")
)
