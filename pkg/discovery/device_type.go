package discovery

// DeviceType 设备类型
type DeviceType uint8

const (
	DeviceTypeUnknown DeviceType = 0x00
	DeviceTypePC      DeviceType = 0x0C
	DeviceTypePhone   DeviceType = 0x0E
	DeviceTypePad     DeviceType = 0x11
	DeviceTypeWatch   DeviceType = 0x6D
	DeviceTypeCar     DeviceType = 0x83
	DeviceTypeTV      DeviceType = 0x9C
)

var deviceTypeNames = []struct {
	name    string
	devType DeviceType
}{
	{"PHONE", DeviceTypePhone},
	{"PAD", DeviceTypePad},
	{"TV", DeviceTypeTV},
	{"PC", DeviceTypePC},
	{"WATCH", DeviceTypeWatch},
	{"CAR", DeviceTypeCar},
}

// GetDeviceTypeByName 根据名称获取设备类型
func GetDeviceTypeByName(name string) (DeviceType, bool) {
	for _, m := range deviceTypeNames {
		if m.name == name {
			return m.devType, true
		}
	}
	return DeviceTypeUnknown, false
}

// GetDeviceNameByType 根据类型获取设备名称
func GetDeviceNameByType(devType DeviceType) (string, bool) {
	for _, m := range deviceTypeNames {
		if m.devType == devType {
			return m.name, true
		}
	}
	return "", false
}

func (t DeviceType) String() string {
	if name, ok := GetDeviceNameByType(t); ok {
		return name
	}
	return "UNKNOWN"
}
