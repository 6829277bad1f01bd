package sdo

import (
	"encoding/binary"
	"fmt"

	"github.com/go-canopen/sdo/pkg/od"
)

// SDOAbortCode is the 32-bit abort code carried in bytes 4..7 of an SDO
// abort frame. It implements error so it can be returned and logged like
// any other failure.
type SDOAbortCode uint32

// SDOState identifies which step of which sub-protocol the engine is
// waiting on a reply for.
type SDOState uint8

const (
	DefaultClientTimeoutMs = 1000
	ClientBaseId           = 0x600
	ServerBaseId           = 0x580

	// BlockSeqSize is the number of data bytes carried per block-transfer
	// sub-block segment frame (CiA 301 §7.2.4.3.17).
	BlockSeqSize = 7
	// BlockMaxSize is the largest block_size (number of segments per
	// sub-block window) a client may request or accept.
	BlockMaxSize = 127
)

const (
	stateFree SDOState = iota
	stateDownloadInitiateRsp
	stateDownloadSegmentRsp
	stateDownloadBlkInitiateRsp
	stateDownloadBlkSubblockRsp
	stateDownloadBlkEndRsp
	stateUploadInitiateRsp
	stateUploadSegmentRsp
	stateUploadBlkInitiateRsp
	stateUploadBlkSubblockRsp
	stateUploadBlkEndRsp
)

const (
	AbortToggleBit         SDOAbortCode = 0x05030000
	AbortTimeout           SDOAbortCode = 0x05040000
	AbortCmd               SDOAbortCode = 0x05040001
	AbortBlockSize         SDOAbortCode = 0x05040002
	// AbortSeqNum is CiA 301's "invalid sequence number" code; spec.md's own
	// abort table misattributes 0x05040003 to "invalid block size" (that's
	// AbortBlockSize, 0x05040002) but the CiA-correct codes are what real
	// SDO servers send, so keep these as-is.
	AbortSeqNum            SDOAbortCode = 0x05040003
	AbortCRC               SDOAbortCode = 0x05040004
	AbortOutOfMem          SDOAbortCode = 0x05040005
	AbortUnsupportedAccess SDOAbortCode = 0x06010000
	AbortWriteOnly         SDOAbortCode = 0x06010001
	AbortReadOnly          SDOAbortCode = 0x06010002
	AbortNotExist          SDOAbortCode = 0x06020000
	AbortNoMap             SDOAbortCode = 0x06040041
	AbortMapLen            SDOAbortCode = 0x06040042
	AbortParamIncompat     SDOAbortCode = 0x06040043
	AbortDeviceIncompat    SDOAbortCode = 0x06040047
	AbortHardware          SDOAbortCode = 0x06060000
	AbortTypeMismatch      SDOAbortCode = 0x06070010
	AbortDataLong          SDOAbortCode = 0x06070012
	AbortDataShort         SDOAbortCode = 0x06070013
	AbortSubUnknown        SDOAbortCode = 0x06090011
	AbortInvalidValue      SDOAbortCode = 0x06090030
	AbortValueHigh         SDOAbortCode = 0x06090031
	AbortValueLow          SDOAbortCode = 0x06090032
	AbortMaxLessMin        SDOAbortCode = 0x06090036
	AbortNoRessource       SDOAbortCode = 0x060A0023
	AbortGeneral           SDOAbortCode = 0x08000000
	AbortDataTransfer      SDOAbortCode = 0x08000020
	AbortDataLocalControl  SDOAbortCode = 0x08000021
	AbortDataDeviceState   SDOAbortCode = 0x08000022
	AbortDataOD            SDOAbortCode = 0x08000023
	AbortNoData            SDOAbortCode = 0x08000024
)

var AbortCodeDescriptionMap = map[SDOAbortCode]string{
	AbortToggleBit:         "Toggle bit not alternated",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value.",
	AbortNoRessource:       "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be transferred because of present device state",
	AbortDataOD:            "Object dict. not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

// OdToAbortMap mirrors CiA 301's table of object dictionary access errors to
// their corresponding SDO abort code, for the rare case a local dictionary
// lookup fails during request setup.
var OdToAbortMap = map[od.ODR]SDOAbortCode{
	od.ErrOutOfMem:     AbortOutOfMem,
	od.ErrUnsuppAccess: AbortUnsupportedAccess,
	od.ErrWriteOnly:    AbortWriteOnly,
	od.ErrReadonly:     AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrNoMap:        AbortNoMap,
	od.ErrMapLen:       AbortMapLen,
	od.ErrParIncompat:  AbortParamIncompat,
	od.ErrDevIncompat:  AbortDeviceIncompat,
	od.ErrHw:           AbortHardware,
	od.ErrTypeMismatch: AbortTypeMismatch,
	od.ErrDataLong:     AbortDataLong,
	od.ErrDataShort:    AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrInvalidValue: AbortInvalidValue,
	od.ErrValueHigh:    AbortValueHigh,
	od.ErrValueLow:     AbortValueLow,
	od.ErrMaxLessMin:   AbortMaxLessMin,
	od.ErrNoRessource:  AbortNoRessource,
	od.ErrGeneral:      AbortGeneral,
	od.ErrDataTransf:   AbortDataTransfer,
	od.ErrDataLocCtrl:  AbortDataLocalControl,
	od.ErrDataDevState: AbortDataDeviceState,
	od.ErrOdMissing:    AbortDataOD,
	od.ErrNoData:       AbortNoData,
}

// ConvertOdToSdoAbort returns the abort code matching oderr, defaulting to
// AbortDeviceIncompat when oderr carries no direct mapping.
func ConvertOdToSdoAbort(oderr od.ODR) SDOAbortCode {
	code, ok := OdToAbortMap[oderr]
	if ok {
		return code
	}
	return AbortDeviceIncompat
}

func (abort SDOAbortCode) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort SDOAbortCode) Description() string {
	description, ok := AbortCodeDescriptionMap[abort]
	if ok {
		return description
	}
	return AbortCodeDescriptionMap[AbortGeneral]
}

// response is a thin, read-only view over one inbound 8-byte SDO frame.
type response struct {
	raw [8]byte
}

func (r *response) isAbort() bool { return r.raw[0] == 0x80 }

func (r *response) abortCode() SDOAbortCode {
	return SDOAbortCode(binary.LittleEndian.Uint32(r.raw[4:]))
}

func (r *response) index() uint16 {
	return binary.LittleEndian.Uint16(r.raw[1:3])
}

func (r *response) subindex() uint8 { return r.raw[3] }

func (r *response) toggle() uint8 { return r.raw[0] & 0x10 }

func (r *response) blockSize() uint8 { return r.raw[4] }
