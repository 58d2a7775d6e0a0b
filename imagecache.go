package halcyon

import (
	"image"
	"time"

	"github.com/halcyon-cache/halcyon/cache"
	"github.com/halcyon-cache/halcyon/cache/disk"
	"github.com/halcyon-cache/halcyon/cache/memory"
	"github.com/halcyon-cache/halcyon/serializer"
)

// Cache pairs the memory and disk tiers for one cache instance. Both
// tiers index variants by (cache key, processor identifier); the
// memory tier holds decoded images and the disk tier their serialized
// byte form.
type Cache struct {
	Memory *memory.Store
	Disk   *disk.Store
}

// NewCache pairs the given stores.
func NewCache(mem *memory.Store, dsk *disk.Store) *Cache {
	return &Cache{
		Memory: mem,
		Disk:   dsk,
	}
}

// imageCost estimates the memory footprint of a decoded image, for the
// memory tier's cost accounting.
func imageCost(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// storeMemory writes a variant's decoded image to the memory tier.
func (c *Cache) storeMemory(key, processorID string, img image.Image, o *options) {
	variant := cache.VariantKey(key, processorID)
	c.Memory.Set(variant, img, imageCost(img), c.memoryExpiration(o))
}

// storeDisk writes a variant's byte form to the disk tier. data, when
// non-nil, is the exact byte form to write; otherwise the image is
// serialized. The write is synchronous; the caller decides whether to
// wait on it.
func (c *Cache) storeDisk(key, processorID string, img image.Image, data []byte, ser serializer.Serializer, o *options) error {
	if o.cacheMemoryOnly || c.Disk == nil {
		return nil
	}

	if data == nil {
		var err error
		data, err = ser.Encode(img, nil)
		if err != nil {
			return &cache.Error{Kind: cache.CannotSerializeImage, Err: err}
		}
	}

	variant := cache.VariantKey(key, processorID)
	return c.Disk.Store(variant, data, c.diskExpiration(o), o.writeOptions)
}

// storeImage writes a variant to both tiers synchronously.
func (c *Cache) storeImage(key, processorID string, img image.Image, data []byte, ser serializer.Serializer, o *options) error {
	c.storeMemory(key, processorID, img, o)
	return c.storeDisk(key, processorID, img, data, ser, o)
}

// retrieveImage looks a variant up in the memory tier and then the
// disk tier. A disk hit is decoded with the serializer and inserted
// into the memory tier before it is returned.
func (c *Cache) retrieveImage(key, processorID string, ser serializer.Serializer, o *options) (image.Image, cache.CacheType, error) {
	variant := cache.VariantKey(key, processorID)

	if v, ok := c.Memory.Get(variant, o.memoryExtend); ok {
		if img, ok := v.(image.Image); ok {
			return img, cache.TypeMemory, nil
		}
	}

	if c.Disk == nil {
		return nil, cache.TypeNone, nil
	}

	data, ok, err := c.Disk.Get(variant, o.diskExtend)
	if err != nil {
		return nil, cache.TypeNone, err
	}
	if !ok {
		return nil, cache.TypeNone, nil
	}

	img, err := ser.Decode(data)
	if err != nil {
		return nil, cache.TypeNone, &cache.Error{Kind: cache.CannotSerializeImage, Err: err}
	}

	c.Memory.Set(variant, img, imageCost(img), c.memoryExpiration(o))

	return img, cache.TypeDisk, nil
}

// memoryExpiration resolves the expiration for memory writes: the
// per-retrieval option when set, the store default otherwise.
func (c *Cache) memoryExpiration(o *options) cache.Expiration {
	if o.memoryExpiration != nil {
		return *o.memoryExpiration
	}
	return c.Memory.DefaultExpiration()
}

// diskExpiration resolves the expiration for disk writes.
func (c *Cache) diskExpiration(o *options) cache.Expiration {
	if o.diskExpiration != nil {
		return *o.diskExpiration
	}
	return c.Disk.DefaultExpiration()
}

// retrieveDiskBytes reads a variant's byte form from the disk tier
// without touching the memory tier.
func (c *Cache) retrieveDiskBytes(key, processorID string, extend cache.Extend) ([]byte, bool, error) {
	if c.Disk == nil {
		return nil, false, nil
	}
	return c.Disk.Get(cache.VariantKey(key, processorID), extend)
}

// IsCached reports which tier, if any, holds the variant.
func (c *Cache) IsCached(key, processorID string) cache.CacheType {
	variant := cache.VariantKey(key, processorID)
	if c.Memory.IsCached(variant) {
		return cache.TypeMemory
	}
	if c.Disk != nil && c.Disk.IsCached(variant) {
		return cache.TypeDisk
	}
	return cache.TypeNone
}

// Remove drops the variant from both tiers.
func (c *Cache) Remove(key, processorID string) error {
	variant := cache.VariantKey(key, processorID)
	c.Memory.Remove(variant)
	if c.Disk == nil {
		return nil
	}
	return c.Disk.Remove(variant)
}

// ClearMemory drops every entry from the memory tier.
func (c *Cache) ClearMemory() {
	c.Memory.RemoveAll()
}

// ClearDisk drops every entry from the disk tier.
func (c *Cache) ClearDisk() error {
	if c.Disk == nil {
		return nil
	}
	return c.Disk.RemoveAll(false)
}

// ClearExpired removes expired entries from both tiers as of now.
func (c *Cache) ClearExpired() error {
	c.Memory.RemoveExpired(time.Now())
	if c.Disk == nil {
		return nil
	}
	_, err := c.Disk.RemoveExpired(time.Now())
	return err
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}
