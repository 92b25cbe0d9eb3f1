package notes

import "github.com/google/uuid"

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers for
// pages, blocks and database schemas.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func (service *Service) newPageID() (PageID, error) {
	raw, err := service.idProvider.NewID()
	if err != nil {
		return "", err
	}
	return NewPageID(raw)
}

func (service *Service) newBlockID() (BlockID, error) {
	raw, err := service.idProvider.NewID()
	if err != nil {
		return "", err
	}
	return NewBlockID(raw)
}

func (service *Service) newSchemaID() (SchemaID, error) {
	raw, err := service.idProvider.NewID()
	if err != nil {
		return "", err
	}
	return NewSchemaID(raw)
}
