package vulkan

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_1"
	mock_driver "github.com/vkngwrapper/core/v2/driver/mocks"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
)

func TestExtensionsNew_NoExtensions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device := mocks.EasyMockDevice(ctrl, mock_driver.DriverForVersion(ctrl, common.Vulkan1_0))
	device.EXPECT().IsDeviceExtensionActive(gomock.Any()).Return(false).AnyTimes()

	extension := NewExtensionData(device)

	require.Equal(t, &ExtensionData{}, extension)
}

func TestExtensionsNew_Core1_1(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device := mocks.EasyMockDevice(ctrl, mock_driver.DriverForVersion(ctrl, common.Vulkan1_1))

	extension := NewExtensionData(device)

	require.True(t, extension.DedicatedAllocations)
	require.Equal(t, core1_1.PromoteDevice(device), extension.GetMemoryRequirements)
}

func TestExtensionsNew_NoDedicatedAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device := mocks.EasyMockDevice(ctrl, mock_driver.DriverForVersion(ctrl, common.Vulkan1_0))
	device.EXPECT().IsDeviceExtensionActive(khr_get_memory_requirements2.ExtensionName).Return(false).AnyTimes()
	device.EXPECT().IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName).Return(true).AnyTimes()

	extension := NewExtensionData(device)

	// Dedicated allocation cannot be detected without the memory requirements query
	require.Equal(t, &ExtensionData{}, extension)
}
