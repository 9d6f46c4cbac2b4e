package keyValStore

import "fmt"

func (c StoreConfig) checkConfig() error {
	if len(c.Paths) == 0 {
		return fmt.Errorf("no storage path configured")
	}

	if c.MinimumFreeSpace <= 0 {
		return fmt.Errorf("minimum free space must be positive, got %d", c.MinimumFreeSpace)
	}

	free, err := freeSpaceGB(c.Paths[0])
	if err != nil {
		return fmt.Errorf("could not determine free space for %s: %w", c.Paths[0], err)
	}
	if free < float64(c.MinimumFreeSpace) {
		return fmt.Errorf("not enough free space on %s: %.2f GB free, %d GB required",
			c.Paths[0], free, c.MinimumFreeSpace)
	}

	return nil
}
