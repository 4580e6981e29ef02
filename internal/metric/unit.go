package metric

// Unit is a standard measurement unit accepted by the downstream
// time-series service.
type Unit string

// Supported units.
const (
	UnitSeconds            Unit = "Seconds"
	UnitMicroseconds       Unit = "Microseconds"
	UnitMilliseconds       Unit = "Milliseconds"
	UnitBytes              Unit = "Bytes"
	UnitKilobytes          Unit = "Kilobytes"
	UnitMegabytes          Unit = "Megabytes"
	UnitGigabytes          Unit = "Gigabytes"
	UnitTerabytes          Unit = "Terabytes"
	UnitBits               Unit = "Bits"
	UnitKilobits           Unit = "Kilobits"
	UnitMegabits           Unit = "Megabits"
	UnitGigabits           Unit = "Gigabits"
	UnitTerabits           Unit = "Terabits"
	UnitPercent            Unit = "Percent"
	UnitCount              Unit = "Count"
	UnitBytesPerSecond     Unit = "Bytes/Second"
	UnitKilobytesPerSecond Unit = "Kilobytes/Second"
	UnitMegabytesPerSecond Unit = "Megabytes/Second"
	UnitGigabytesPerSecond Unit = "Gigabytes/Second"
	UnitTerabytesPerSecond Unit = "Terabytes/Second"
	UnitBitsPerSecond      Unit = "Bits/Second"
	UnitKilobitsPerSecond  Unit = "Kilobits/Second"
	UnitMegabitsPerSecond  Unit = "Megabits/Second"
	UnitGigabitsPerSecond  Unit = "Gigabits/Second"
	UnitTerabitsPerSecond  Unit = "Terabits/Second"
	UnitCountPerSecond     Unit = "Count/Second"
	UnitNone               Unit = "None"
)

// Units lists every supported unit in declaration order.
var Units = []Unit{
	UnitSeconds,
	UnitMicroseconds,
	UnitMilliseconds,
	UnitBytes,
	UnitKilobytes,
	UnitMegabytes,
	UnitGigabytes,
	UnitTerabytes,
	UnitBits,
	UnitKilobits,
	UnitMegabits,
	UnitGigabits,
	UnitTerabits,
	UnitPercent,
	UnitCount,
	UnitBytesPerSecond,
	UnitKilobytesPerSecond,
	UnitMegabytesPerSecond,
	UnitGigabytesPerSecond,
	UnitTerabytesPerSecond,
	UnitBitsPerSecond,
	UnitKilobitsPerSecond,
	UnitMegabitsPerSecond,
	UnitGigabitsPerSecond,
	UnitTerabitsPerSecond,
	UnitCountPerSecond,
	UnitNone,
}

var knownUnits = func() map[Unit]struct{} {
	m := make(map[Unit]struct{}, len(Units))
	for _, u := range Units {
		m[u] = struct{}{}
	}

	return m
}()

// Valid reports whether u is one of the supported units.
func (u Unit) Valid() bool {
	_, ok := knownUnits[u]

	return ok
}

func (u Unit) String() string { return string(u) }
