// Copyright (C) 2024 The Anvil Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package drm

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Raw ioctl structures, laid out exactly as the kernel expects them.

type rawGemCreate struct {
	Size   uint64
	Handle uint32
	Pad    uint32
}

type rawGemClose struct {
	Handle uint32
	Pad    uint32
}

type rawMmapOffset struct {
	Handle     uint32
	Pad        uint32
	Offset     uint64
	Flags      uint64
	Extensions uint64
}

type rawExecObject struct {
	Handle          uint32
	RelocationCount uint32
	RelocsPtr       uint64
	Alignment       uint64
	Offset          uint64
	Flags           uint64
	Rsvd1           uint64
	Rsvd2           uint64
}

type rawExecBuffer struct {
	BuffersPtr       uint64
	BufferCount      uint32
	BatchStartOffset uint32
	BatchLen         uint32
	DR1              uint32
	DR4              uint32
	NumCliprects     uint32
	CliprectsPtr     uint64
	Flags            uint64
	Rsvd1            uint64
	Rsvd2            uint64
}

type rawUserExtension struct {
	NextExtension uint64
	Name          uint32
	Pad           uint32
}

type rawTimelineFences struct {
	Base       rawUserExtension
	FenceCount uint64
	HandlesPtr uint64
	ValuesPtr  uint64
}

type rawSyncobjCreate struct {
	Handle uint32
	Flags  uint32
}

type rawSyncobjDestroy struct {
	Handle uint32
	Pad    uint32
}

type rawSyncobjWait struct {
	HandlesPtr   uint64
	TimeoutNsec  int64
	CountHandles uint32
	Flags        uint32
	FirstSignal  uint32
	Pad          uint32
}

type rawSyncobjArray struct {
	HandlesPtr   uint64
	CountHandles uint32
	Pad          uint32
}

const (
	drmIoctlBase = 'd'
	drmCmdBase   = 0x40

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | drmIoctlBase<<8 | nr
}

func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

var (
	ioctlGemClose       = iow(0x09, unsafe.Sizeof(rawGemClose{}))
	ioctlGemCreate      = iowr(drmCmdBase+0x1b, unsafe.Sizeof(rawGemCreate{}))
	ioctlGemMmapOffset  = iowr(drmCmdBase+0x24, unsafe.Sizeof(rawMmapOffset{}))
	ioctlExecbuffer2WR  = iowr(drmCmdBase+0x29, unsafe.Sizeof(rawExecBuffer{}))
	ioctlSyncobjCreate  = iowr(0xbf, unsafe.Sizeof(rawSyncobjCreate{}))
	ioctlSyncobjDestroy = iowr(0xc0, unsafe.Sizeof(rawSyncobjDestroy{}))
	ioctlSyncobjWait    = iowr(0xc3, unsafe.Sizeof(rawSyncobjWait{}))
	ioctlSyncobjSignal  = iowr(0xc5, unsafe.Sizeof(rawSyncobjArray{}))
)

// mmapOffsetWB requests a write-back CPU mapping of a GEM buffer.
const mmapOffsetWB = 0

// extTimelineFences is the execbuffer extension name for timeline fence
// arrays.
const extTimelineFences = 1

// gemDevice is the real kernel device, driven through a render node.
type gemDevice struct {
	fd   int
	maps map[uint32][]byte
}

// Open opens the render node at path, e.g. /dev/dri/renderD128.
func Open(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &gemDevice{fd: fd, maps: map[uint32][]byte{}}, nil
}

func (d *gemDevice) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

func (d *gemDevice) CreateBuffer(size uint64) (uint32, []byte, error) {
	create := rawGemCreate{Size: size}
	if err := d.ioctl(ioctlGemCreate, unsafe.Pointer(&create)); err != nil {
		return 0, nil, ErrnoToError(err)
	}

	mmap := rawMmapOffset{Handle: create.Handle, Flags: mmapOffsetWB}
	if err := d.ioctl(ioctlGemMmapOffset, unsafe.Pointer(&mmap)); err != nil {
		d.closeHandle(create.Handle)
		return 0, nil, ErrnoToError(err)
	}

	m, err := unix.Mmap(d.fd, int64(mmap.Offset), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		d.closeHandle(create.Handle)
		return 0, nil, ErrnoToError(err)
	}

	d.maps[create.Handle] = m
	return create.Handle, m, nil
}

func (d *gemDevice) DestroyBuffer(handle uint32) error {
	if m, ok := d.maps[handle]; ok {
		unix.Munmap(m)
		delete(d.maps, handle)
	}
	return d.closeHandle(handle)
}

func (d *gemDevice) closeHandle(handle uint32) error {
	arg := rawGemClose{Handle: handle}
	return d.ioctl(ioctlGemClose, unsafe.Pointer(&arg))
}

func (d *gemDevice) Execbuffer(req *ExecBuffer) error {
	objects := make([]rawExecObject, len(req.Objects))
	for i, o := range req.Objects {
		objects[i] = rawExecObject{
			Handle: o.Handle,
			Offset: o.Offset,
			Flags:  o.Flags,
		}
	}

	raw := rawExecBuffer{
		BuffersPtr:       uint64(uintptr(unsafe.Pointer(unsafe.SliceData(objects)))),
		BufferCount:      uint32(len(objects)),
		BatchStartOffset: req.BatchStartOffset,
		BatchLen:         req.BatchLen,
		Flags:            req.Flags,
		Rsvd1:            uint64(req.Context),
	}

	var ext rawTimelineFences
	if len(req.Fences) > 0 {
		if req.FenceValues != nil {
			ext = rawTimelineFences{
				Base:       rawUserExtension{Name: extTimelineFences},
				FenceCount: uint64(len(req.Fences)),
				HandlesPtr: uint64(uintptr(unsafe.Pointer(unsafe.SliceData(req.Fences)))),
				ValuesPtr:  uint64(uintptr(unsafe.Pointer(unsafe.SliceData(req.FenceValues)))),
			}
			raw.Flags |= ExecUseExtensions
			raw.CliprectsPtr = uint64(uintptr(unsafe.Pointer(&ext)))
		} else {
			raw.Flags |= ExecFenceArray
			raw.NumCliprects = uint32(len(req.Fences))
			raw.CliprectsPtr = uint64(uintptr(unsafe.Pointer(unsafe.SliceData(req.Fences))))
		}
	}

	err := d.ioctl(ioctlExecbuffer2WR, unsafe.Pointer(&raw))

	// Offsets may have been assigned by the kernel; reflect them back.
	if err == nil {
		for i := range req.Objects {
			req.Objects[i].Offset = objects[i].Offset
		}
	}

	runtime.KeepAlive(objects)
	runtime.KeepAlive(req.Fences)
	runtime.KeepAlive(req.FenceValues)
	runtime.KeepAlive(&ext)
	return err
}

func (d *gemDevice) SyncobjCreate() (uint32, error) {
	arg := rawSyncobjCreate{}
	if err := d.ioctl(ioctlSyncobjCreate, unsafe.Pointer(&arg)); err != nil {
		return 0, ErrnoToError(err)
	}
	return arg.Handle, nil
}

func (d *gemDevice) SyncobjDestroy(handle uint32) error {
	arg := rawSyncobjDestroy{Handle: handle}
	return d.ioctl(ioctlSyncobjDestroy, unsafe.Pointer(&arg))
}

func (d *gemDevice) SyncobjWait(handles []uint32, timeoutNs int64, flags uint32) error {
	if len(handles) == 0 {
		return nil
	}
	arg := rawSyncobjWait{
		HandlesPtr:   uint64(uintptr(unsafe.Pointer(unsafe.SliceData(handles)))),
		TimeoutNsec:  timeoutNs,
		CountHandles: uint32(len(handles)),
		Flags:        flags,
	}
	err := d.ioctl(ioctlSyncobjWait, unsafe.Pointer(&arg))
	runtime.KeepAlive(handles)
	return err
}

func (d *gemDevice) SyncobjSignal(handles []uint32) error {
	if len(handles) == 0 {
		return nil
	}
	arg := rawSyncobjArray{
		HandlesPtr:   uint64(uintptr(unsafe.Pointer(unsafe.SliceData(handles)))),
		CountHandles: uint32(len(handles)),
	}
	err := d.ioctl(ioctlSyncobjSignal, unsafe.Pointer(&arg))
	runtime.KeepAlive(handles)
	return err
}

func (d *gemDevice) Close() error {
	for handle, m := range d.maps {
		unix.Munmap(m)
		d.closeHandle(handle)
	}
	d.maps = map[uint32][]byte{}
	return unix.Close(d.fd)
}
