//go:build linux

package keep

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/sevkeep/internal/sev/snp"
)

// handleVMGExit services a VMGEXIT. errCode is the error byte KVM reports
// alongside the GHCB MSR; it carries nothing the keep acts on.
func (k *Keep) handleVMGExit(msr uint64, errCode uint8) error {
	if errCode != 0 {
		slog.Debug("keep: vmgexit", "msr", fmt.Sprintf("%#x", msr), "error", errCode)
	}

	switch fn := snp.MSRFunction(msr); fn {
	case snp.MSRFunctionGHCBGPA:
		return k.handleGHCBRequest(snp.MSRGHCBGPA(msr))
	case snp.MSRFunctionPageStateChange:
		return k.handleMSRPageStateChange(msr)
	default:
		return fmt.Errorf("unimplemented GHCB protocol function %#03x", fn)
	}
}

// handleGHCBRequest services the request in the GHCB page at gpa. The keep
// is locked for the whole request, so the page and the device are not
// touched by another thread meanwhile.
func (k *Keep) handleGHCBRequest(gpa uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	region, err := k.findRegion(gpa)
	if err != nil {
		return fmt.Errorf("locate GHCB: %w", err)
	}

	mem, ok := region.Slice(gpa, snp.GHCBSize)
	if !ok {
		return fmt.Errorf("GHCB at %#x crosses the end of slot %d", gpa, region.Slot)
	}

	ghcb, err := snp.ViewGHCB(mem)
	if err != nil {
		return fmt.Errorf("GHCB at %#x: %w", gpa, err)
	}

	if err := ghcb.Validate(); err != nil {
		return err
	}

	switch code := ghcb.SaveArea.SwExitCode; code {
	case snp.ExitPageStateChange:
		// Only descriptors in the shared buffer are supported.
		if scratch := ghcb.SaveArea.SwScratch; scratch != gpa+snp.SharedBufferOffset {
			return fmt.Errorf("page state change descriptor at %#x is not in the shared buffer %#x", scratch, gpa+snp.SharedBufferOffset)
		}
		return k.pageStateChange(ghcb)
	default:
		return fmt.Errorf("unimplemented sw_exit_code %#x", code)
	}
}

// pageStateChange walks the descriptor from CurEntry to EndEntry
// inclusive. Errors the guest can recover from are reported in
// SwExitInfo2 and stop the walk; malformed entries are fatal.
//
// Other vCPUs of the guest can write the descriptor while it is walked, so
// the header is read once and each entry is read once.
func (k *Keep) pageStateChange(ghcb *snp.GHCB) error {
	desc := ghcb.PageStateChangeDesc()
	cur, end := int(desc.CurEntry), int(desc.EndEntry)

	if end >= snp.MaxPageStateChangeEntries {
		ghcb.SaveArea.SwExitInfo2 = snp.PageStateChangeInvalidHeader
		return nil
	}

	for ; cur <= end; cur++ {
		entry := desc.Entries[cur]

		// Only 4KiB pages are mapped into a guest.
		if entry.LargePage() {
			return fmt.Errorf("page state change for 2MiB page %#x", entry.GPA())
		}
		if entry.CurPage() != 0 {
			return fmt.Errorf("page state change entry %d has page offset %#x", cur, entry.CurPage())
		}

		var status uint64
		switch op := entry.Operation(); op {
		case snp.PageOperationPrivate, snp.PageOperationShared:
			if err := k.device.SetMemoryAttributes(entry.GPA(), snp.PageSize, op == snp.PageOperationPrivate); err != nil {
				slog.Debug("keep: page state change", "gpa", fmt.Sprintf("%#x", entry.GPA()), "op", op, "error", err)
				status = snp.PageStateChangeGenericError
			}
		case snp.PageOperationPsmash, snp.PageOperationUnsmash:
			// Hints; nothing to do.
		default:
			slog.Warn("keep: unimplemented page state change operation", "op", op)
			status = snp.PageStateChangeInvalidEntry
		}

		if status != 0 {
			desc.CurEntry = uint16(cur)
			ghcb.SaveArea.SwExitInfo2 = status
			return nil
		}
		desc.CurEntry = uint16(cur + 1)
	}

	return nil
}

func (k *Keep) handleMSRPageStateChange(msr uint64) error {
	gpa, op := snp.MSRPageStateChange(msr)

	switch op {
	case snp.PageOperationPrivate, snp.PageOperationShared:
	default:
		return fmt.Errorf("unimplemented page state change operation %#x", uint8(op))
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.device.SetMemoryAttributes(gpa, snp.PageSize, op == snp.PageOperationPrivate); err != nil {
		return fmt.Errorf("change page %#x to %s: %w", gpa, op, err)
	}
	return nil
}
