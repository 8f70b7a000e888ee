package types

// CardType is the detected card family.
type CardType uint8

const (
	CardUnknown CardType = iota
	CardMMC
	CardSDSC
	CardSDHC
	CardSDXC
)

func (t CardType) String() string {
	switch t {
	case CardMMC:
		return "MMC"
	case CardSDSC:
		return "SDSC"
	case CardSDHC:
		return "SDHC"
	case CardSDXC:
		return "SDXC"
	default:
		return "Unknown"
	}
}

// SDHCLimit is the largest capacity reported as SDHC; above it a
// high-capacity card is SDXC.
const SDHCLimit = 32 << 30

// CardState is the Card Session lifecycle.
type CardState uint8

const (
	CardUninitialized CardState = iota
	CardProbing
	CardReady
	CardFailed
)

func (s CardState) String() string {
	switch s {
	case CardProbing:
		return "probing"
	case CardReady:
		return "ready"
	case CardFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// CardInfo is only meaningful once the card reached Ready.
type CardInfo struct {
	Type           CardType `json:"type"`
	Capacity       uint64   `json:"capacity"` // bytes
	SectorSize     uint32   `json:"sector_size"`
	Sectors        uint64   `json:"sectors"`
	HighCapacity   bool     `json:"high_capacity"`
	MaxTransferKHz uint32   `json:"max_transfer_khz"`
	RCA            uint16   `json:"rca,omitempty"` // native mode only

	ManufacturerID uint8  `json:"manufacturer_id"`
	OEMID          string `json:"oem_id"`
	ProductName    string `json:"product_name"`
	Revision       uint8  `json:"revision"`
	Serial         uint32 `json:"serial"`
	ManufactureY   uint16 `json:"manufacture_year"`
	ManufactureM   uint8  `json:"manufacture_month"`
}

// ClassifyCapacity maps a capacity to SD/SDHC/SDXC for SD cards.
func ClassifyCapacity(highCapacity bool, capacity uint64) CardType {
	switch {
	case !highCapacity:
		return CardSDSC
	case capacity <= SDHCLimit:
		return CardSDHC
	default:
		return CardSDXC
	}
}
