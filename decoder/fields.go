package decoder

import "strconv"

// knownFieldNames maps a handful of DisplayPropertyUpload field numbers,
// reconstructed from public wire captures, to the names the vendor app
// displays for them. Anything not listed here falls back to "field_<n>";
// callers that know their own device's schema can still make sense of the
// dotted keys by position even without a name.
var knownFieldNames = map[int]string{
	1: "typeCode",
	2: "version",
	3: "soc",
	4: "wattsOut",
	5: "wattsIn",
	6: "remainTime",
	7: "bmsMaster",
	8: "pd",
	9: "inv",
	10: "mppt",
}

func fieldName(num int) string {
	if name, ok := knownFieldNames[num]; ok {
		return name
	}
	return "field_" + strconv.Itoa(num)
}
