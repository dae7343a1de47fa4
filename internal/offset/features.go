package offset

import "math"

// Magnus formula constants, valid for -45°C to 60°C.
const (
	magnusA = 17.62
	magnusB = 243.12
)

// DewPoint computes the dew point in °C from air temperature and relative
// humidity (percent) using the Magnus formula.
func DewPoint(tempC, rh float64) float64 {
	if rh <= 0 {
		rh = 0.1
	}
	gamma := math.Log(rh/100) + magnusA*tempC/(magnusB+tempC)
	return magnusB * gamma / (magnusA - gamma)
}

// HeatIndex computes the apparent temperature in °C from air temperature
// and relative humidity (percent) per the NWS Rothfusz regression. Below
// the regression's range the simple Steadman approximation applies.
func HeatIndex(tempC, rh float64) float64 {
	tf := tempC*9/5 + 32

	simple := 0.5 * (tf + 61.0 + (tf-68.0)*1.2 + rh*0.094)
	hi := (simple + tf) / 2
	if hi >= 80 {
		hi = -42.379 + 2.04901523*tf + 10.14333127*rh -
			0.22475541*tf*rh - 0.00683783*tf*tf - 0.05481717*rh*rh +
			0.00122874*tf*tf*rh + 0.00085282*tf*rh*rh - 0.00000199*tf*tf*rh*rh

		switch {
		case rh < 13 && tf >= 80 && tf <= 112:
			hi -= (13 - rh) / 4 * math.Sqrt((17-math.Abs(tf-95))/17)
		case rh > 85 && tf >= 80 && tf <= 87:
			hi += (rh - 85) / 10 * (87 - tf) / 5
		}
	}

	return (hi - 32) * 5 / 9
}

// HumidityDifferential is indoor minus outdoor relative humidity.
func HumidityDifferential(indoorRH, outdoorRH float64) float64 {
	return indoorRH - outdoorRH
}

// HumidityFeatures are the derived values available for a snapshot. Every
// field is nil when its source sensors are not configured.
type HumidityFeatures struct {
	IndoorDewPoint  *float64 `json:"indoor_dew_point,omitempty"`
	OutdoorDewPoint *float64 `json:"outdoor_dew_point,omitempty"`
	HeatIndex       *float64 `json:"heat_index,omitempty"`
	Differential    *float64 `json:"humidity_differential,omitempty"`
}

// ComputeHumidityFeatures derives whatever the available sensors allow.
// Missing humidity is not an error, just fewer features.
func ComputeHumidityFeatures(roomTemp float64, outdoorTemp, indoorRH, outdoorRH *float64) HumidityFeatures {
	var f HumidityFeatures
	if indoorRH != nil {
		dp := DewPoint(roomTemp, *indoorRH)
		hi := HeatIndex(roomTemp, *indoorRH)
		f.IndoorDewPoint = &dp
		f.HeatIndex = &hi
	}
	if outdoorRH != nil && outdoorTemp != nil {
		dp := DewPoint(*outdoorTemp, *outdoorRH)
		f.OutdoorDewPoint = &dp
	}
	if indoorRH != nil && outdoorRH != nil {
		diff := HumidityDifferential(*indoorRH, *outdoorRH)
		f.Differential = &diff
	}
	return f
}
