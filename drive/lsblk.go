package drive

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// lsblkArgs asks lsblk for the fields parseLsblk reads, sizes in bytes.
var lsblkArgs = []string{"--json", "--bytes", "--output", "NAME,PATH,TYPE,SIZE,RM,HOTPLUG,MODEL,MOUNTPOINT"}

// blockDev is one node of the lsblk tree.
type blockDev struct {
	Name      string
	Path      string
	Type      string // disk, part, loop, rom...
	Size      int64
	Removable bool
	Model     string
	Mounts    []string
	Children  []blockDev
}

// parseLsblk decodes `lsblk --json` output. Both the old single
// "mountpoint" and the newer "mountpoints" array are understood, as are
// "rm" values printed as booleans or "0"/"1".
func parseLsblk(data []byte) ([]blockDev, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("lsblk: invalid json")
	}
	root := gjson.GetBytes(data, "blockdevices")
	if !root.IsArray() {
		return nil, fmt.Errorf("lsblk: missing blockdevices")
	}
	return parseDevs(root), nil
}

func parseDevs(arr gjson.Result) []blockDev {
	var out []blockDev
	arr.ForEach(func(_, v gjson.Result) bool {
		d := blockDev{
			Name:      v.Get("name").String(),
			Path:      v.Get("path").String(),
			Type:      v.Get("type").String(),
			Size:      v.Get("size").Int(),
			Removable: v.Get("rm").Bool() || v.Get("hotplug").Bool(),
			Model:     strings.TrimSpace(v.Get("model").String()),
		}
		if d.Path == "" && d.Name != "" {
			d.Path = "/dev/" + d.Name
		}
		if m := v.Get("mountpoint"); m.Type == gjson.String && m.String() != "" {
			d.Mounts = append(d.Mounts, m.String())
		}
		v.Get("mountpoints").ForEach(func(_, m gjson.Result) bool {
			if m.Type == gjson.String && m.String() != "" {
				d.Mounts = append(d.Mounts, m.String())
			}
			return true
		})
		d.Children = parseDevs(v.Get("children"))
		out = append(out, d)
		return true
	})
	return out
}

// findDisk returns the whole disk owning logical, which may be the disk
// node itself, one of its partition nodes, a mount point or any path below
// a mount point (longest mount wins). It also returns the matched
// partition, if any.
func findDisk(devs []blockDev, logical string) (disk, part *blockDev, ok bool) {
	p := filepath.Clean(logical)
	best := -1
	for i := range devs {
		d := &devs[i]
		if d.Path == p {
			return d, nil, true
		}
		for _, m := range d.Mounts {
			if n := mountMatch(m, p); n > best {
				best, disk, part = n, d, nil
			}
		}
		for j := range d.Children {
			c := &d.Children[j]
			if c.Path == p {
				return d, c, true
			}
			for _, m := range c.Mounts {
				if n := mountMatch(m, p); n > best {
					best, disk, part = n, d, c
				}
			}
		}
	}
	return disk, part, disk != nil
}

// mountMatch returns the length of mount when p lies on it, else -1.
func mountMatch(mount, p string) int {
	mount = filepath.Clean(mount)
	if p == mount {
		return len(mount)
	}
	prefix := mount
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if strings.HasPrefix(p, prefix) {
		return len(mount)
	}
	return -1
}

// mountsOf collects the mount points of a disk and all its partitions.
func mountsOf(d *blockDev) []string {
	out := append([]string(nil), d.Mounts...)
	for _, c := range d.Children {
		out = append(out, c.Mounts...)
	}
	return out
}

// infosFromLsblk turns the tree into Info values for whole disks.
func infosFromLsblk(devs []blockDev) []Info {
	var out []Info
	for i := range devs {
		d := &devs[i]
		if d.Type != "disk" {
			continue
		}
		in := Info{
			Path:      d.Path,
			Model:     d.Model,
			Size:      d.Size,
			Removable: d.Removable,
			MediaType: MediaTypeBySize(d.Size),
			Mounts:    mountsOf(d),
		}
		for _, c := range d.Children {
			in.Partitions = append(in.Partitions, c.Path)
		}
		out = append(out, in)
	}
	return out
}
