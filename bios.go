// bios.go - synthesizes the internal BIOS payload documented byte-for-byte
// in the on-the-wire contract: sys_write a banner, sceAudioOutInit, and a
// scePadReadState idle loop (C12 supplement).
//
// The exact opcode bytes are part of the on-the-wire contract; the
// assembler below only changes the message length field and the loop's
// relative jump displacement, both computed rather than hand-counted.
//
// (c) 2026 - GPLv3 or later

package main

import "encoding/binary"

const internalBIOSMessageAddr = UserBase + 0x200

var internalBIOSMessage = "WeaR-emu Internal BIOS v1.0\n"

func movImm64(reg int, imm uint64) []byte {
	buf := make([]byte, 10)
	buf[0] = 0x48
	buf[1] = byte(0xB8 + reg)
	binary.LittleEndian.PutUint64(buf[2:], imm)
	return buf
}

// movR64Imm32 encodes MOV r/m64, imm32 (opcode 0xC7 /0) in its
// register-direct form, sign-extending imm32 into reg.
func movR64Imm32(reg int, imm uint32) []byte {
	buf := make([]byte, 7)
	buf[0] = 0x48
	buf[1] = 0xC7
	buf[2] = byte(0xC0 | reg)
	binary.LittleEndian.PutUint32(buf[3:], imm)
	return buf
}

var syscallBytes = []byte{0x0F, 0x05}
var pauseBytes = []byte{0xF3, 0x90}

// WriteInternalBIOS writes the synthetic boot payload at UserBase and the
// banner string immediately after it, returning the entry point.
func WriteInternalBIOS(mem *GuestMemory) (uint64, error) {
	var code []byte
	code = append(code, movR64Imm32(RegRAX, 4)...) // sys_write
	code = append(code, movR64Imm32(RegRDI, 1)...) // fd 1
	code = append(code, movImm64(RegRSI, internalBIOSMessageAddr)...)
	code = append(code, movR64Imm32(RegRDX, uint32(len(internalBIOSMessage)))...)
	code = append(code, syscallBytes...)

	code = append(code, movR64Imm32(RegRAX, sceAudioOutInit)...)
	code = append(code, syscallBytes...)

	loopOffset := len(code)
	code = append(code, movR64Imm32(RegRAX, scePadReadState)...)
	code = append(code, syscallBytes...)
	code = append(code, pauseBytes...)

	const jmpLen = 5
	nextRIP := len(code) + jmpLen
	rel32 := int32(loopOffset - nextRIP)
	jmp := make([]byte, jmpLen)
	jmp[0] = 0xE9
	binary.LittleEndian.PutUint32(jmp[1:], uint32(rel32))
	code = append(code, jmp...)

	if err := mem.WriteBlock(UserBase, code, len(code)); err != nil {
		return 0, err
	}
	if err := mem.WriteBlock(internalBIOSMessageAddr, []byte(internalBIOSMessage), len(internalBIOSMessage)); err != nil {
		return 0, err
	}
	return UserBase, nil
}
